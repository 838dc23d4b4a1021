package commands

import (
	"context"
	"fmt"

	"github.com/yuanliwei/birpc/server"
)

// demoExtension implements the seed scenarios (hello, callback, buffer,
// array, void) that exercise every argument/result shape the wire
// codec supports.
func demoExtension() server.Extension {
	return server.Extension{
		"hello": func(ctx context.Context, args []any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("hello: missing name argument")
			}
			return "hello " + fmt.Sprint(args[0]), nil
		},
		"buffer": func(ctx context.Context, args []any) (any, error) {
			b, ok := args[0].([]byte)
			if !ok || len(b) < 8 {
				return nil, fmt.Errorf("buffer: expected a byte array of at least 8 bytes")
			}
			return b[3:8], nil
		},
		"array": func(ctx context.Context, args []any) (any, error) {
			name := fmt.Sprint(args[0])
			b, _ := args[1].([]byte)
			var slice []byte
			if len(b) >= 8 {
				slice = b[3:8]
			}
			return []any{int64(123), "abc", "hi " + name, slice}, nil
		},
		"void": func(ctx context.Context, args []any) (any, error) {
			return nil, nil
		},
		"callback": func(ctx context.Context, args []any) (any, error) {
			name := fmt.Sprint(args[0])
			cb, ok := args[1].(server.Callback)
			if !ok {
				return nil, fmt.Errorf("callback: expected a function argument")
			}
			for i := 0; i < 3; i++ {
				if err := cb(ctx, fmt.Sprintf("progress %d", i)); err != nil {
					return nil, err
				}
			}
			return "hello callback " + name, nil
		},
	}
}
