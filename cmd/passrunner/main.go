// Command passrunner is a type-to-search password plugin for the KDE
// launcher. It serves the org.kde.krunner1 interface on the session bus and
// searches Bitwarden (bw or rbw) or a Secret Service provider.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
