//go:build debug

package debug

import "fmt"

// Debug reports whether the debug build tag is set.
const Debug = true

func init() {
	fmt.Println("WARNING -- DEBUG FLAG IS ON")
}
