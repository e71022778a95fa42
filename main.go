// SPDX-License-Identifier: GPL-2.0-or-later

package main

import "github.com/voysys/vraw-convert/cmd"

func main() {
	cmd.Execute()
}
