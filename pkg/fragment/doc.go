// Package fragment splits opaque frame blobs into bounded-size datagrams and
// parses them back.
//
// A fragmented datagram starts with a fixed 10-byte big-endian header:
//
//	+--------+----------+-------+-------+---------+
//	| marker | group_id | count | index | payload |
//	|   2    |    4     |   2   |   2   |   ...   |
//	+--------+----------+-------+-------+---------+
//
// The marker is 0xAB 0xCD. Index is 1-based. Datagrams that fit in a single
// chunk are sent without a header; receivers tell the two apart with
// [IsFragment].
//
// # Usage
//
//	frags, err := fragment.Split(frame, 1400, groupID)
//	if err != nil {
//	    return err
//	}
//	for _, f := range frags {
//	    conn.Send(addr, f.Encode())
//	}
//
// On the receiving side:
//
//	if fragment.IsFragment(datagram) {
//	    f, err := fragment.Parse(datagram)
//	    ...
//	}
//
// The codec holds no state. Ordering and completeness are enforced by the
// reassembly package, not here.
package fragment
