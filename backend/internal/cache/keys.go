package cache

import "fmt"

// Key layout:
// - roomKey(docID):           online members, ZSet<userId> scored by expireAt (unix seconds)
// - namesKey(docID):          userId -> username, Hash
// - cursorKey(docID, userID): last presence_update JSON, String with TTL
// - docsKey():                documents that ever had a member, Set<docID>
//
// Per-document keys share the {docID:...} hash tag so the reap script
// touches a single cluster slot.

const (
	keyRoomFmt   = "presence:room:{docID:%s}"
	keyNamesFmt  = "presence:room:names:{docID:%s}"
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyDocsSet   = "presence:docs"
)

func roomKey(docID string) string           { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string          { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, userID string) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func docsKey() string                       { return keyDocsSet }
