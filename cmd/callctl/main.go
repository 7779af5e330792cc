// Command callctl is a terminal client for the devcall API.
package main

func main() {
	Execute()
}
