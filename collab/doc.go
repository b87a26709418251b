package collab

import (
	"fmt"
	"strings"
)

// DocKey identifies one collaboratively edited document. It is serialized as
// "<namespace>:<projectId>:<filePath>". The file path may itself contain
// colons, so parsing splits on the first two colons only.
type DocKey struct {
	Namespace string
	ProjectId string
	FilePath  string
}

func ParseDocKey(s string) (DocKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 3 {
		return DocKey{}, fmt.Errorf("%w: %q", ErrMalformedDocKey, s)
	}
	key := DocKey{
		Namespace: parts[0],
		ProjectId: parts[1],
		FilePath:  parts[2],
	}
	if key.Namespace == "" || key.ProjectId == "" || key.FilePath == "" {
		return DocKey{}, fmt.Errorf("%w: %q", ErrMalformedDocKey, s)
	}
	return key, nil
}

func (self DocKey) String() string {
	return fmt.Sprintf("%s:%s:%s", self.Namespace, self.ProjectId, self.FilePath)
}
