package main

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
)

// ActionableError represents an error with user-friendly guidance.
type ActionableError struct {
	What  string // What failed (short summary)
	Cause error  // Technical error details
	Fix   string // Actionable guidance
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

func (e *ActionableError) Unwrap() error {
	return e.Cause
}

// Format returns the full actionable error message for display.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.What)
	sb.WriteString("\nCause: ")
	sb.WriteString(e.Cause.Error())
	sb.WriteString("\nFix:   ")
	sb.WriteString(e.Fix)
	return sb.String()
}

var errNoTarget = errors.New("no target configured")

// noTargetFix explains how to name the upstream.
func noTargetFix() string {
	return `Pass the upstream as an argument or flag:
       relayview 3000
       relayview --target https://api.example.com

       Or set RELAYVIEW_TARGET, or target.url in the config file.`
}

// sameOriginFix explains the loop that a self-targeting proxy would create.
func sameOriginFix(port int) string {
	return fmt.Sprintf(`The target is the proxy's own address, so every request would loop.
       Point the target at the server you want to watch, or move the proxy:
       relayview --port %d <target>`, suggestPort(port))
}

// invalidTargetFix explains the accepted target forms.
func invalidTargetFix(raw string) string {
	return fmt.Sprintf(`Cannot use %q as a target. Accepted forms:
       3000                      (http://127.0.0.1:3000)
       localhost:3000
       http://127.0.0.1:3000
       https://api.example.com`, raw)
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(addr string) string {
	port := addr
	if _, p, err := net.SplitHostPort(addr); err == nil {
		port = p
	}
	alt := suggestPort(portNum(port))

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       relayview --port %d <target>`, port, port, alt)

	case "darwin":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       relayview --port %d <target>`, port, port, alt)

	default: // linux and others
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       relayview --port %d <target>`, port, port, port, alt)
	}
}

// suggestPort proposes another port near port.
func suggestPort(port int) int {
	if port <= 0 || port >= 65535 {
		return 8081
	}
	return port + 1
}

// portNum converts port string to int, returns 0 on error.
func portNum(port string) int {
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

// dbLockedFix returns instructions for fixing database lock issues.
func dbLockedFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`History database is locked by another process. Check for:
       1. Another relayview instance running:
          tasklist | findstr relayview

       2. Database viewer with file open:
          Close any SQLite browser tools

       Database: %s`, dbPath)

	default:
		return fmt.Sprintf(`History database is locked by another process. Check for:
       1. Another relayview instance running:
          pgrep -f relayview

       2. Database viewer with file open:
          lsof "%s"

       Database: %s`, dbPath, dbPath)
	}
}

// dbPathFix returns instructions for fixing database path issues.
func dbPathFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot open history database. Check the path exists and is writable:
       if not exist "%s" mkdir "%s"

       Or specify a different path:
       set RELAYVIEW_DB_PATH=C:\Users\%%USERNAME%%\relayview.db`, dbPath, dbPath)

	default:
		return fmt.Sprintf(`Cannot open history database. Check the path exists and is writable:
       mkdir -p "$(dirname '%s')"

       Or specify a different path:
       export RELAYVIEW_DB_PATH=~/relayview.db`, dbPath)
	}
}

// configLoadFix returns instructions for fixing config loading issues.
func configLoadFix(configPath string) string {
	if configPath == "" {
		switch runtime.GOOS {
		case "windows":
			return `Config file is invalid. Check the default location:
       %APPDATA%\relayview\config.yaml`

		default:
			return `Config file is invalid. Check the default location:
       ~/.config/relayview/config.yaml`
		}
	}
	return fmt.Sprintf(`Config file not found or invalid:
       %s

       Check the file exists and contains valid YAML.
       See 'relayview --help' for configuration options.`, configPath)
}

// isDBLocked checks if an error indicates a database lock.
func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// isAddrInUse checks if an error indicates the listen address is taken.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address")
}
