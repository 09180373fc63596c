// Package runtime dispatches function calls to sandboxes.
//
// A Runtime reads function bytecode from a storage.Store, binds one
// sandbox per (user, function) pair and keeps it in a cache.Cache.
// Repeated calls reuse the bound sandbox and, when configured, reset it
// to its bind snapshot first so every call sees freshly initialized
// memory.
//
//	cfg := config.Default()
//	cfg.Storage.Dir = "/var/lib/sandbox"
//	rt, err := runtime.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	res, err := rt.Invoke(ctx, runtime.Call{
//	    User:     "alice",
//	    Function: "resize",
//	    Target:   sandbox.Export("main"),
//	    Args:     []uint64{api.EncodeI32(640)},
//	})
//
// Signatures parsed from WIT text turn command-line strings into core
// arguments and print results:
//
//	sigs, _ := runtime.ParseSignatures("add: func(a: s32, b: s32) -> s32;")
//	args, _ := sigs["add"].EncodeArgs([]string{"2", "3"})
package runtime
