package main

import "github.com/santiagomed/scribe/cli"

func main() {
	cli.Execute()
}
