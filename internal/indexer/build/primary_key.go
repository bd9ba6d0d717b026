package build

import (
	"log/slog"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/document"
	"github.com/Adithya-Monish-Kumar-K/search-index-builder/internal/indexer/segment"
)

// PrimaryKeyWorkItem resolves primary keys for a batch: ADD_DOC gets a new
// doc id and deletes the document it replaces, UPDATE_FIELD and DELETE_DOC
// are pointed at the live doc id. Documents whose key cannot be resolved get
// document.InvalidDocID and are skipped by the other work items.
type PrimaryKeyWorkItem struct {
	target Target
	pks    *segment.PrimaryKeyIndex
	docs   *DocumentCollector
	state  atomic.Int32
	logger *slog.Logger

	added, updated, deleted, unresolved int
}

func NewPrimaryKeyWorkItem(target Target, pks *segment.PrimaryKeyIndex, docs *DocumentCollector) *PrimaryKeyWorkItem {
	return &PrimaryKeyWorkItem{
		target: target,
		pks:    pks,
		docs:   docs,
		logger: slog.Default().With("component", "build_work_item", "work_item", PrimaryKeyGroupName),
	}
}

func (w *PrimaryKeyWorkItem) Name() string {
	return PrimaryKeyGroupName
}

func (w *PrimaryKeyWorkItem) State() State {
	return State(w.state.Load())
}

func (w *PrimaryKeyWorkItem) Process() error {
	w.state.Store(int32(StateRunning))
	defer w.state.Store(int32(StateDone))
	for _, doc := range w.docs.Documents() {
		if doc == nil {
			continue
		}
		switch doc.Op {
		case document.OpAdd:
			w.add(doc)
		case document.OpUpdateField:
			w.resolve(doc)
		case document.OpDelete:
			w.delete(doc)
		default:
			doc.SetDocID(document.InvalidDocID)
			w.unresolved++
		}
	}
	w.logger.Debug("primary keys resolved",
		"added", w.added,
		"updated", w.updated,
		"deleted", w.deleted,
		"unresolved", w.unresolved,
	)
	return nil
}

func (w *PrimaryKeyWorkItem) Drop() {
	w.state.Store(int32(StateDone))
}

func (w *PrimaryKeyWorkItem) add(doc *document.Document) {
	docID := w.target.Segment.AllocateDocID()
	doc.SetDocID(docID)
	w.added++
	pk := doc.PrimaryKey()
	if pk == "" || w.pks == nil {
		return
	}
	if old := w.pks.Insert(pk, docID); old != document.InvalidDocID {
		w.deleteDocID(old)
	}
}

func (w *PrimaryKeyWorkItem) resolve(doc *document.Document) {
	docID, ok := w.lookup(doc.PrimaryKey())
	if !ok {
		w.logger.Debug("update of unknown primary key", "primary_key", doc.PrimaryKey())
		doc.SetDocID(document.InvalidDocID)
		w.unresolved++
		return
	}
	doc.SetDocID(docID)
	w.updated++
}

func (w *PrimaryKeyWorkItem) delete(doc *document.Document) {
	pk := doc.PrimaryKey()
	if pk == "" || w.pks == nil {
		doc.SetDocID(document.InvalidDocID)
		w.unresolved++
		return
	}
	docID, ok := w.pks.Delete(pk)
	if !ok {
		doc.SetDocID(document.InvalidDocID)
		w.unresolved++
		return
	}
	doc.SetDocID(docID)
	w.deleteDocID(docID)
	w.deleted++
}

func (w *PrimaryKeyWorkItem) lookup(pk string) (int32, bool) {
	if pk == "" || w.pks == nil {
		return document.InvalidDocID, false
	}
	return w.pks.Lookup(pk)
}

func (w *PrimaryKeyWorkItem) deleteDocID(docID int32) {
	if w.target.Segment.Delete(docID) {
		return
	}
	if w.target.Modifier != nil {
		w.target.Modifier.Delete(docID)
	}
}
