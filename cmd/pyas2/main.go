// pyas2 is an AS2 file transfer station (RFC 4130): it exchanges business
// documents with trading partners over HTTP(S) using S/MIME compression,
// signing and encryption, and reconciles the delivery receipts.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
