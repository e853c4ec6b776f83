package main

import "github.com/maibank/checkout-reconciler/cmd"

func main() {
	cmd.Execute()
}
