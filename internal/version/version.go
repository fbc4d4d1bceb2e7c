package version

import "fmt"

var (
	CLIName    = "bridgeq"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, Commit, BuildDate)
}

// UserAgent is sent with every outbound provider request.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
