/*
Package client is a Go client for the flowd JSON-RPC API.

The client wraps the HTTP surface with typed methods for the common
operations — create, get, update, delete, tree, execute, cancel, copy —
plus Call for anything else, and a websocket Subscribe that turns the
event feed for one tree into a channel.

# Usage

	c := client.New("http://localhost:8080", client.WithToken(token))

	created, err := c.CreateTasks(ctx, tasks)
	if err != nil { ... }

	sub, err := c.Subscribe(ctx, created.RootTaskID)
	if err != nil { ... }
	defer sub.Close()

	res, err := c.Execute(ctx, created.RootTaskID)

	for ev := range sub.Events() {
		fmt.Println(ev.Type, ev.TaskID)
	}

Server-side failures come back as *rpc.RPCError, with the structured
domain code available through the Data field.
*/
package client
