// Command kmemsim drives the kernel memory allocators on a development host.
//
// Physical memory is emulated with an anonymous mapping so that allocator
// behavior can be explored and scripted without booting the kernel.
package main

func main() {
	execute()
}
