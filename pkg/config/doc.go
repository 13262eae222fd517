/*
Package config loads uwpdump settings from a file.

	            +-------------+
	            |   Config    |
	            | (Settings)  |
	            +------+------+
	                   |
	   +---------+-----+-----+---------+
	   |         |           |         |
	+--+---+ +---+--+    +---+--+  +---+--+
	| YAML | | HCL  |    | JSON |  | TOML |
	+------+ +------+    +------+  +------+

🎯 Purpose:
- Picks a parser by file extension
- Rejects unknown keys
- Fills defaults and rejects values that cannot work
- Converts to session, payload and ipc settings

📝 Keys:

	ring_capacity          bytes per ring (default 1 MiB)
	handshake_timeout      wait for the payload handshake ("10s")
	heartbeat_interval     beat period on both sides ("500ms")
	heartbeat_stale_after  silence tolerated before a side counts as gone ("5s")
	shutdown_grace         wait for the payload after cancellation ("5s")
	poll_interval          idle poll period ("5ms")
	ack_wait               payload wait for the final acknowledgment ("5s")
	backoff                { initial, max, multiplier, max_wait, jitter } for a full ring
	copy_workers           collect pool size (0 means one per CPU)
	exclude                doublestar patterns relative to the package root
	verify                 check collected files against staged digests
	payload_path           payload library to inject
	output                 destination for collected files

Durations are Go duration strings in every format.
*/
package config
