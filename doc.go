// Package uwsgi is the request-processing core of a uWSGI-style application
// server worker. A worker owns one or more listening sockets, accepts
// connections into request slots, reads a protocol header (the binary uwsgi
// packet or plain HTTP/1.x), dispatches to the application mounted under the
// request's path and accounts for every request in a shared health record.
//
// # Running a server
//
//	cfg := uwsgi.Config{
//	    Sockets:       []uwsgi.SocketConfig{{Address: "uwsgi://127.0.0.1:3031"}},
//	    Mounts:        []uwsgi.MountConfig{{Prefix: "/", Handler: "app"}},
//	    Threads:       4,
//	    Harakiri:      30 * time.Second,
//	    MaxRequests:   5000,
//	    PostBuffering: 64 << 10,
//	}
//	app := uwsgi.ApplicationFunc(func(ctx context.Context, req *uwsgi.Request) error {
//	    if err := req.WriteHeader(200, uwsgi.Header{Key: "Content-Type", Value: "text/plain"}); err != nil {
//	        return err
//	    }
//	    _, err := req.WriteString("hello\n")
//	    return err
//	})
//	srv, stop, err := uwsgi.StartServer(ctx, cfg, uwsgi.WithApplication("app", app))
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Handlers other than registered applications resolve to the bundled ones:
// "echo" and "static:<dir>".
//
// # Concurrency modes
//
// Threads > 1 runs one goroutine per slot; each slot waits for readiness on
// the sockets, accepts and serves its request. Async > 1 multiplexes all
// slots over a single readiness loop that reads headers without blocking and
// dispatches completed requests inline. The two modes are exclusive.
// Sockets marked EdgeTriggered skip the readiness wait and park in accept.
//
// # Lifecycle
//
// Every accepted connection walks WAITING_READY, ACCEPTED, HEADER_PARSED,
// DISPATCHED and CLOSED, and is counted whatever stage it reached. After the
// close the worker checks its recycle limits (MaxRequests, ReloadOnRSS,
// ReloadOnAS); when one is hit it stops accepting, lets in-flight requests
// finish and Start returns with ExitReason "recycled".
//
// # Harakiri
//
// With Harakiri set, header reads and dispatch run under a per-slot
// deadline. Body reads extend it by SocketTimeout per chunk. In the default
// supervised mode a reaper goroutine scans the deadlines every ReapInterval;
// with HarakiriStandalone each slot arms its own alarm. An expired deadline
// runs the harakiri action, which by default exits the process with status
// 14 so the supervisor can respawn the worker.
//
// # Termination
//
// SIGINT (and Server.Stop / Shutdown) is a soft stop: no new requests are
// accepted and in-flight ones complete. SIGTERM is ignored by the worker; the
// supervisor decides when it dies. With NoOrphans the worker also exits when
// its supervisor control channel reaches EOF.
//
// # Bodies
//
// PostBuffering reads request bodies before dispatch: bodies up to the
// threshold land in memory, larger ones spill to an unlinked temporary file.
// When UploadProgressDir is set and the request URI carries
// X-Progress-ID=<uuid>, a JSON progress file is kept up to date while the
// body is read and removed afterwards.
package uwsgi
