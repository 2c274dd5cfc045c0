package preflight

import (
	"os/exec"

	"github.com/peterje/consolebridge/internal/logging"
	"github.com/peterje/consolebridge/internal/models"
)

// CheckConsole reports whether the console executable can be found.
func CheckConsole(path string) models.ConsoleStatus {
	status := models.ConsoleStatus{Path: path}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return status
	}
	status.Installed = true
	status.Resolved = resolved
	return status
}

// CheckAll runs the startup checks and logs what it finds. The service still
// starts without a console; every spawn will fail until one is installed.
func CheckAll(consolePath string) models.ConsoleStatus {
	log := logging.With("preflight")
	status := CheckConsole(consolePath)
	if status.Installed {
		log.Info().Str("path", status.Resolved).Msg("console found")
	} else {
		log.Warn().Str("path", consolePath).Msg("console executable not found, sessions and commands will fail")
	}
	return status
}
