package replicator

import (
	"encoding/base64"

	"github.com/cuemby/satchel/pkg/ferrors"
)

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.DomainReplication, ferrors.KindCorruption, "BadAttachmentEncoding",
			"attachment body is not valid base64", err)
	}
	return data, nil
}
