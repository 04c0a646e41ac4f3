package buffer

import (
	"collabSync/backend/internal/ot/delta"
)

// Buffer is the document content store shared by the relay and the
// in-memory editor.
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	ApplyOperations(ops []delta.Operation) error
	String() string
}

/*
Layout example

Initial content "Hello world":

  - original buffer: "Hello world"
  - add buffer: ""
  - pieces: [ (orig, offset=0, length=11) ]

Insert " collaborative" at 5:

  - add buffer = " collaborative"
  - pieces:
    [
      (orig, offset=0, length=5),   // "Hello"
      (add,  offset=0, length=14),  // " collaborative"
      (orig, offset=5, length=6),   // " world"
    ]
*/
