package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sharnoff/lifecycle"
)

// Start an HTTP "hello world" server that shuts down on the first fault, here a SIGTERM sent after
// 100ms.
func Example() {
	exited := make(chan int, 1)
	c := lifecycle.New(
		lifecycle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lifecycle.WithSignals(false), // so the example doesn't compete with the test binary
		lifecycle.WithExit(func(code int) { exited <- code }),
	)

	_ = c.Register(lifecycle.Boot, lifecycle.Group{
		"listener": func(context.Context, lifecycle.Values) (any, error) {
			return net.Listen("tcp", "127.0.0.1:0")
		},
		"server": func(context.Context, lifecycle.Values) (any, error) {
			r := chi.NewRouter()
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("hello, world!"))
			})
			return &http.Server{Handler: r}, nil
		},
	})
	_ = c.Register(lifecycle.Shutdown, lifecycle.Group{
		"server": func(ctx context.Context, v lifecycle.Values) (any, error) {
			if err := v.Get("server").(*http.Server).Shutdown(ctx); err != nil {
				return nil, err
			}
			fmt.Println("Shutdown complete!")
			return nil, nil
		},
	})

	err := c.RunUp(context.Background(), func(ctx context.Context, v lifecycle.Values) error {
		server := v.Get("server").(*http.Server)
		listener := v.Get("listener").(net.Listener)

		c.Go(ctx, "http", func(context.Context) error {
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		fmt.Println("Starting server")
		return nil
	})
	if err != nil {
		fmt.Println("failed to start:", err)
		return
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = c.Dispatch(context.Background(), lifecycle.SignalTerminate, syscall.SIGTERM)
	}()

	fmt.Println("exit code", <-exited)
	// Output:
	// Starting server
	// Shutdown complete!
	// exit code 0
}

func ExampleAppend() {
	double := func(_ context.Context, v lifecycle.Values) (any, error) {
		n, ok := v.Lookup("foo")
		if !ok {
			return "foo not ready", nil
		}
		return n.(int) * 2, nil
	}

	alongside := lifecycle.Append(lifecycle.Group{"foo": constant(42)}, lifecycle.Group{"bar": double})
	after := lifecycle.Append(lifecycle.Group{"foo": constant(42)}, lifecycle.Sequence{lifecycle.Group{"bar": double}})

	for _, spec := range []lifecycle.Spec{alongside, after} {
		v, _ := lifecycle.Resolve(context.Background(), spec, lifecycle.Values{})
		fmt.Println(lifecycle.Tasks(spec), v.Get("bar"))
	}
	// Output:
	// [bar foo] foo not ready
	// [foo bar] 84
}
