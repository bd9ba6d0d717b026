package index

// Posting is one document's occurrence record for a term. FieldMap has bit
// i set when the term occurs in the field at pack position i.
type Posting struct {
	DocID       int32  `json:"d"`
	Frequency   int    `json:"f"`
	Positions   []int  `json:"p,omitempty"`
	FieldMap    uint32 `json:"m,omitempty"`
	TermPayload uint32 `json:"tp,omitempty"`
	DocPayload  uint16 `json:"dp,omitempty"`
}

type PostingList []Posting

// TermEntry is a term hash with its postings sorted by doc id.
type TermEntry struct {
	Term     uint64
	Postings PostingList
}

// Contains reports whether docID has a posting.
func (l PostingList) Contains(docID int32) bool {
	for _, p := range l {
		if p.DocID == docID {
			return true
		}
	}
	return false
}
