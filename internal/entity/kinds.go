package entity

// Kind identifies one of the three synchronized entity kinds.
type Kind string

const (
	KindNote   Kind = "note"
	KindFolder Kind = "folder"
	KindReview Kind = "review"
)

// Kinds lists all entity kinds in canonical order.
var Kinds = []Kind{KindNote, KindFolder, KindReview}

// ParseKind validates an entity kind string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindNote, KindFolder, KindReview:
		return Kind(s), true
	}
	return "", false
}

// ParentField returns the payload key holding the parent pointer for a kind,
// or empty string when the kind has no parent pointer.
func (k Kind) ParentField() string {
	switch k {
	case KindNote:
		return "folderId"
	case KindFolder:
		return "parentId"
	}
	return ""
}

// ParentKind returns the kind the parent pointer references.
func (k Kind) ParentKind() Kind {
	// Both note.folderId and folder.parentId point at folders.
	return KindFolder
}
