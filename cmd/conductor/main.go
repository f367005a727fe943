// Package main provides the conductor command-line interface
package main

func main() {
	Execute()
}
