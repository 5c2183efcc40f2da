// Package rifas provides a client for the raffle server API.
//
// The client covers the public endpoints used by the viewer page, the
// operator login, ticket reservation and the draw controls. It also
// follows the live draw through the viewer stream.
//
// # Basic Usage
//
//	client := rifas.NewClient(&rifas.ClientConfig{
//	    BaseURL: "http://localhost:8080",
//	})
//
//	// Public state
//	view, err := client.Raffle(ctx)
//
//	// Operator calls
//	_, err = client.Login(ctx, "admin@rifas.local", password)
//	p, err := client.Reserve(ctx, &rifas.ReserveRequest{
//	    Name:    "Ana",
//	    Phone:   "5550001",
//	    Tickets: []int{3, 7},
//	})
//
// # Following a Draw
//
// Watch delivers the events of the viewer stream in order. Viewer adds the
// periodic polling the public page does, so a viewer that joins late or
// misses events still converges on the server state:
//
//	v := rifas.NewViewer(client, 2*time.Second)
//	v.OnChange(func(st rifas.ViewerState) {
//	    render(st)
//	})
//	err := v.Run(ctx)
//
// # Error Handling
//
// API errors are returned as *APIError with a Code field indicating the error type:
//
//	_, err := client.Reserve(ctx, req)
//	var apiErr *rifas.APIError
//	if errors.As(err, &apiErr) {
//	    switch apiErr.Code {
//	    case rifas.ErrTicketConflict:
//	        // apiErr.Conflicting holds the numbers already sold
//	    case rifas.ErrRaffleNotActive:
//	        // Nothing is on sale
//	    }
//	}
package rifas
