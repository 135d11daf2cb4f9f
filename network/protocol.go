package network

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"udpxfer/crypto"
)

const (
	// Delimiter separates the sequence, digest and payload of a data frame.
	Delimiter byte = '|'
	// maxSequenceDigits bounds the decimal sequence field of a data frame header.
	maxSequenceDigits = 20
	// MaxHeaderSize is the largest possible "<seq>|<digest>|" prefix.
	MaxHeaderSize = maxSequenceDigits + 1 + crypto.DigestSize + 1
)

const (
	VerbGet    = "GET"
	VerbResend = "RESEND"

	errorPrefix = "ERROR"

	// ErrorCodeFileNotFound is sent when a requested file cannot be resolved.
	ErrorCodeFileNotFound = "File not found"
	// ErrorCodeInvalidRequest is sent for unrecognized or malformed requests.
	ErrorCodeInvalidRequest = "Invalid request"
)

var (
	frameEOF = []byte("EOF")
	frameOK  = []byte("OK")
)

var (
	// ErrMalformedFrame indicates a data frame header could not be parsed.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrChecksumMismatch indicates a data frame payload does not match its digest.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
	// ErrInvalidRequest indicates an unrecognized verb or malformed request arguments.
	ErrInvalidRequest = errors.New("network: invalid request")
	// ErrFileNotFound indicates the sender could not resolve the requested file.
	ErrFileNotFound = errors.New("network: file not found")
	// ErrRemote is the fallback for sender error frames with an unknown code.
	ErrRemote = errors.New("network: remote error")
	// ErrUnexpectedFrame indicates a control frame arrived out of protocol order.
	ErrUnexpectedFrame = errors.New("network: unexpected frame")
)

// FrameKind classifies one datagram.
type FrameKind int

const (
	FrameKindUnknown FrameKind = iota
	FrameKindEOF
	FrameKindOK
	FrameKindError
	FrameKindData
	FrameKindText
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindEOF:
		return "eof"
	case FrameKindOK:
		return "ok"
	case FrameKindError:
		return "error"
	case FrameKindData:
		return "data"
	case FrameKindText:
		return "text"
	default:
		return "unknown"
	}
}

// Chunk is one sequenced piece of a file together with its digest.
type Chunk struct {
	Sequence int
	Checksum string
	Payload  []byte
}

// Verify reports whether the chunk payload matches its checksum.
func (c Chunk) Verify() bool {
	return crypto.Verify(c.Payload, c.Checksum)
}

// Request is a parsed receiver-to-sender control message.
type Request struct {
	Verb      string
	Filename  string
	Sequences []int
}

// RemoteError is an ERROR frame reported by the sender.
type RemoteError struct {
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Classify returns the kind of a raw datagram without fully decoding it.
func Classify(frame []byte) FrameKind {
	switch {
	case len(frame) == 0:
		return FrameKindUnknown
	case bytes.Equal(frame, frameEOF):
		return FrameKindEOF
	case bytes.Equal(frame, frameOK):
		return FrameKindOK
	case bytes.HasPrefix(frame, []byte(errorPrefix)):
		return FrameKindError
	case isDataFrame(frame):
		return FrameKindData
	default:
		return FrameKindText
	}
}

// IsDataFrame reports whether frame carries a chunk header.
func IsDataFrame(frame []byte) bool {
	return Classify(frame) == FrameKindData
}

func isDataFrame(frame []byte) bool {
	limit := min(len(frame), maxSequenceDigits+1)
	first := bytes.IndexByte(frame[:limit], Delimiter)
	return first > 0 && allDigits(frame[:first])
}

// EncodeDataFrame builds "<seq>|<digest>|<payload>" with a freshly computed digest.
func EncodeDataFrame(sequence int, payload []byte) []byte {
	return encodeChunk(Chunk{Sequence: sequence, Checksum: crypto.Digest(payload), Payload: payload})
}

func encodeChunk(chunk Chunk) []byte {
	header := strconv.Itoa(chunk.Sequence) + string(Delimiter) + chunk.Checksum + string(Delimiter)
	frame := make([]byte, 0, len(header)+len(chunk.Payload))
	frame = append(frame, header...)
	return append(frame, chunk.Payload...)
}

// DecodeDataFrame splits a data frame into its chunk fields.
//
// Delimiters are only searched for inside the header prefix, so payload bytes
// equal to the delimiter never affect parsing. The digest is not verified here.
func DecodeDataFrame(frame []byte) (Chunk, error) {
	limit := min(len(frame), MaxHeaderSize)
	first := bytes.IndexByte(frame[:limit], Delimiter)
	if first <= 0 || first > maxSequenceDigits {
		return Chunk{}, fmt.Errorf("%w: missing sequence delimiter", ErrMalformedFrame)
	}
	rest := bytes.IndexByte(frame[first+1:limit], Delimiter)
	if rest < 0 {
		return Chunk{}, fmt.Errorf("%w: missing digest delimiter", ErrMalformedFrame)
	}
	second := first + 1 + rest

	if !allDigits(frame[:first]) {
		return Chunk{}, fmt.Errorf("%w: non-numeric sequence %q", ErrMalformedFrame, frame[:first])
	}
	sequence, err := strconv.Atoi(string(frame[:first]))
	if err != nil {
		return Chunk{}, fmt.Errorf("%w: parse sequence: %v", ErrMalformedFrame, err)
	}

	digest := string(frame[first+1 : second])
	if len(digest) != crypto.DigestSize {
		return Chunk{}, fmt.Errorf("%w: digest field has %d bytes", ErrMalformedFrame, len(digest))
	}

	payload := make([]byte, len(frame)-second-1)
	copy(payload, frame[second+1:])
	return Chunk{Sequence: sequence, Checksum: digest, Payload: payload}, nil
}

// EncodeGet builds the initial file request.
func EncodeGet(filename string) []byte {
	return []byte(VerbGet + " " + filename)
}

// EncodeResend builds a selective retransmission request.
func EncodeResend(sequences []int) []byte {
	var b strings.Builder
	b.WriteString(VerbResend)
	for _, seq := range sequences {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(seq))
	}
	return []byte(b.String())
}

// ParseRequest decodes a GET or RESEND control message.
func ParseRequest(frame []byte) (Request, error) {
	text := strings.TrimSpace(string(frame))
	verb, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	switch verb {
	case VerbGet:
		if args == "" {
			return Request{}, fmt.Errorf("%w: missing filename", ErrInvalidRequest)
		}
		return Request{Verb: VerbGet, Filename: args}, nil
	case VerbResend:
		fields := strings.Fields(args)
		if len(fields) == 0 {
			return Request{}, fmt.Errorf("%w: resend without sequences", ErrInvalidRequest)
		}
		sequences := make([]int, 0, len(fields))
		for _, field := range fields {
			if !allDigits([]byte(field)) {
				return Request{}, fmt.Errorf("%w: bad sequence %q", ErrInvalidRequest, field)
			}
			seq, err := strconv.Atoi(field)
			if err != nil {
				return Request{}, fmt.Errorf("%w: bad sequence %q", ErrInvalidRequest, field)
			}
			sequences = append(sequences, seq)
		}
		return Request{Verb: VerbResend, Sequences: sequences}, nil
	default:
		return Request{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidRequest, verb)
	}
}

// EncodeManifest builds the total chunk count announcement.
func EncodeManifest(totalChunks int) []byte {
	return []byte(strconv.Itoa(totalChunks))
}

// ParseManifest decodes the total chunk count announcement.
func ParseManifest(frame []byte) (int, error) {
	text := strings.TrimSpace(string(frame))
	if text == "" || !allDigits([]byte(text)) {
		return 0, fmt.Errorf("%w: manifest %q", ErrUnexpectedFrame, text)
	}
	total, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: manifest %q", ErrUnexpectedFrame, text)
	}
	return total, nil
}

// EncodeError builds an ERROR control frame for code.
func EncodeError(code string) []byte {
	return []byte(errorPrefix + ": " + code)
}

// ParseError maps an ERROR control frame to a typed error.
func ParseError(frame []byte) *RemoteError {
	message := strings.TrimPrefix(string(frame), errorPrefix)
	message = strings.TrimSpace(strings.TrimPrefix(message, ":"))

	remote := &RemoteError{Message: message, Err: ErrRemote}
	switch {
	case strings.EqualFold(message, ErrorCodeFileNotFound):
		remote.Err = ErrFileNotFound
	case strings.EqualFold(message, ErrorCodeInvalidRequest):
		remote.Err = ErrInvalidRequest
	}
	return remote
}

// EOFFrame returns the end-of-stream marker.
func EOFFrame() []byte {
	return append([]byte(nil), frameEOF...)
}

// OKFrame returns the request acknowledgement.
func OKFrame() []byte {
	return append([]byte(nil), frameOK...)
}

func allDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
