package cmd

import (
	"github.com/fatih/color"
)

const banner = `
  _                                   __
 | |_ ___  ___ _ __  _ __ ___   ___  / _|
 | __/ _ \/ _ \ '_ \| '__/ _ \ / _ \| |_
 | ||  __/  __/ |_) | | | (_) | (_) |  _|
  \__\___|\___| .__/|_|  \___/ \___/|_|
              |_|
`

func printBanner() {
	color.New(color.FgBlue).Print(banner)
	color.New(color.FgGreen).Printf("  Attestation Verification Service - Version %s\n\n", Version)
}
