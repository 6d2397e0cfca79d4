package protocol

import "bytes"

// Frame renders msg for byte-stream transports as "<path> <payload>\n".
func Frame(msg Message) []byte {
	buf := make([]byte, 0, len(msg.Path)+len(msg.Payload)+2)
	buf = append(buf, msg.Path...)
	buf = append(buf, ' ')
	buf = append(buf, msg.Payload...)
	return append(buf, '\n')
}

// ParseFrame splits one line read from a stream. The trailing newline is
// optional.
func ParseFrame(line []byte) (Message, bool) {
	line = bytes.TrimRight(line, "\r\n")
	path, payload, found := bytes.Cut(line, []byte{' '})
	if !found || len(path) == 0 {
		return Message{}, false
	}
	return Message{Path: Path(path), Payload: bytes.Clone(payload)}, true
}
