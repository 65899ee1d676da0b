// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
fedadmin is the operator CLI for the federation server's admin API:
submitting, listing, aborting, cloning, deleting, and downloading jobs.

For usage details, run fedadmin with the command line flag -h or --help.
*/
package main

import (
	"fmt"
	"os"

	"github.com/openfedcore/fedcore/cmd/fedadmin/cli"
)

func main() {
	if err := cli.New().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
