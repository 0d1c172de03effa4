// Package client is a minimal client for the binary protocol: one TCP
// connection, one in-flight request at a time. It backs the command line
// tools and the end-to-end tests; connection pooling and pipelining are
// deliberately out of scope.
//
// Usage Example:
//
//	c, err := client.Dial("localhost:2524", 5*time.Second)
//	if err != nil {
//	  ...
//	}
//	defer c.Close()
//
//	c.Set("greeting", value.NewString("hello"), 0)
//	v, ok, _ := c.Get("greeting")
//
// Thread Safety:
//
//	All methods are safe for concurrent use; calls serialize on the
//	single connection.
package client
