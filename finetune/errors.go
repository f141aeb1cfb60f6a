package finetune

import "github.com/pkg/errors"

// ErrArtifactMissing reports that the training routine returned without
// writing the expected weights artifact to the output directory.
var ErrArtifactMissing = errors.New("training finished but the weights artifact is missing")
