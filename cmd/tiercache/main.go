// Command tiercache looks up, prefetches and inspects tiered caches.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
