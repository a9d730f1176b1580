// Command chatsync is a terminal client for the conversation sync core.
package main

func main() {
	Execute()
}
