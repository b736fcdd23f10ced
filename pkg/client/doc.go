/*
Package client provides a Go client library for the bespoke-executor
Coordinator Service's HTTP API.

The client wraps the HTTP API with a convenient, idiomatic Go
interface: one method per operation, typed request/response structs
instead of raw JSON, and a structured Error carrying the coordinator's
closed error-code taxonomy.

# Usage

Creating a client:

	c := client.New("http://127.0.0.1:15323")

Submitting a workflow:

	results, err := c.Submit(ctx, []any{workflowDoc})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("submitted: %d\n", results[0].ID)

Fetching a submission:

	sub, err := c.Get(ctx, results[0].ID)

Listing submissions:

	items, next, err := c.List(ctx, client.ListOptions{Status: "running"})

Cancelling a submission:

	err := c.Cancel(ctx, id)

# Error handling

Non-2xx responses are returned as *client.Error, carrying the
coordinator's error code:

	sub, err := c.Get(ctx, id)
	var cerr *client.Error
	if errors.As(err, &cerr) && cerr.Code == "not-found" {
		fmt.Println("no such submission")
	}

# Thread safety

A Client is safe for concurrent use: it holds no mutable state beyond
a shared *http.Client, which is itself safe for concurrent use.
*/
package client
