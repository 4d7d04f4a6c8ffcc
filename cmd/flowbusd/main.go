// Command flowbusd is the flowbus file-transfer daemon entrypoint.
package main

func main() {
	Execute()
}
