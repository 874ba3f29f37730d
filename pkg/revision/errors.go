package revision

import "github.com/cuemby/satchel/pkg/ferrors"

func errConflict(docID string, reason string) error {
	return ferrors.New(ferrors.DomainRevision, ferrors.KindConflict, "Conflict",
		"document "+docID+": "+reason)
}

func errDocNotFound(docID string) error {
	return ferrors.New(ferrors.DomainRevision, ferrors.KindNotFound, "DocumentNotFound",
		"document "+docID+" not found")
}

func errRevNotFound(docID, rev string) error {
	return ferrors.New(ferrors.DomainRevision, ferrors.KindNotFound, "RevisionNotFound",
		"revision "+rev+" of document "+docID+" not found")
}
