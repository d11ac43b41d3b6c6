// Package main is the entry point for csmctl, a client for the Commotion
// service registry.
package main

func main() {
	Execute()
}
