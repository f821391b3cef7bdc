package main

import (
	"github.com/JakeFAU/scout/cmd"
)

func main() {
	cmd.Execute()
}
