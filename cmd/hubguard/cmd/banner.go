package cmd

import (
	"fmt"
)

const banner = `
  _           _                             _
 | |__  _   _| |__   __ _ _   _  __ _ _ __ __| |
 | '_ \| | | | '_ \ / _` + "`" + ` | | | |/ _` + "`" + ` | '__/ _` + "`" + ` |
 | | | | |_| | |_) | (_| | |_| | (_| | | | (_| |
 |_| |_|\__,_|_.__/ \__, |\__,_|\__,_|_|  \__,_|
                    |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Session & Two-Factor Guard - Version %s\x1b[0m\n\n", Version)
}
