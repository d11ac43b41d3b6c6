package registry

import (
	"bufio"
	"fmt"
	"io"
)

// Dump writes a human-readable listing of every service:
//
//	service 1/2 key=3fa2... local=true
//	    name = "mesh chat"
//	    ttl = 5
func (c *Collection) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	i := 0
	for r, err := range c.All() {
		if err != nil {
			return err
		}
		i++
		fmt.Fprintf(bw, "service %d/%d key=%s local=%t\n", i, c.count, r.Key(), r.IsLocal())
		for name, v := range r.All() {
			fmt.Fprintf(bw, "    %s = %s\n", name, v)
		}
	}
	if i == 0 {
		fmt.Fprintln(bw, "no services")
	}
	return bw.Flush()
}
