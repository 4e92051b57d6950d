package protocol

// This package implements the parsing and serialising of payloads for the
// API protocol RouterOS devices use to be administered remotely.
//
// - `Word`     - A length prefixed byte string, the atomic unit on the wire.
// - `Sentence` - A sequence of words terminated by an empty word.
// - `Request`  - A sentence sent to the device: a command, its arguments, an
//                optional query and an optional tag.
// - `Response` - A sentence sent by the device in reply to a request.
//
// === Words
//
// Every word is prefixed by its length. Short words pay one byte for it, the
// length prefix grows with the word:
//
//   ```
//     0x00 - 0x7F                 1 byte
//     0x80 - 0x3FFF               2 bytes, first byte 10xxxxxx
//     0x4000 - 0x1FFFFF           3 bytes, first byte 110xxxxx
//     0x200000 - 0xFFFFFFF        4 bytes, first byte 1110xxxx
//     0x10000000 - 0xFFFFFFFF     5 bytes, first byte 0xF0
//   ```
//
// First bytes from 0xF8 up are reserved control bytes and are never sent by a
// device we can talk to.
//
// === Requests
//
//   ```
//     /ip/arp/add
//     =address=192.168.88.100
//     =mac-address=00:00:00:00:00:01
//     .tag=arp1
//     <empty>
//   ```
//
// The first word is the command, `=name=value` words are arguments, `?` words
// are a query and `.tag=` is the tag.
//
// === Replies
//
// The first word of a reply says what it is
//
// - `!re`    - a data row, there can be any number of these
// - `!done`  - the request finished
// - `!trap`  - the request failed, a `!done` still follows
// - `!fatal` - the device is closing the connection
//
// Every reply to a tagged request carries the same `.tag=` word. Replies to
// different tags can interleave, replies to the same tag arrive in order.
//
// === Queries
//
// `?name=value`, `?>name=value`, `?<name=value`, `?name` and `?-name` push the
// result of a condition onto a stack, `#&` and `#|` pop two results and push
// their conjunction or disjunction, `#!` negates the top of the stack.
//
//   ```
//     ?type=ether
//     ?type=vlan
//     #|
//   ```
//
// matches rows whose type is ether or vlan.
//
