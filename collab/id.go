package collab

import (
	"errors"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return uuid.UUID(self).String()
}
