package object

// CommitSigningPayload returns the canonical bytes that are signed for a
// commit. The payload excludes the signature field itself.
func CommitSigningPayload(c *CommitObj) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	copyCommit := *c
	copyCommit.Signature = ""
	return MarshalCommit(&copyCommit)
}
