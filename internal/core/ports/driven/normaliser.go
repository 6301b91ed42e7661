package driven

// Normaliser turns attachment bytes of one family of formats into prompt text.
type Normaliser interface {
	// Normalise returns the text carried by content. It returns
	// domain.ErrUndecodableContent when the bytes hold nothing readable,
	// which stops the loader from trying weaker candidates.
	Normalise(content []byte, mimeType string) (string, error)

	// SupportedTypes lists exact MIME types or family wildcards ("text/*", "*/*").
	SupportedTypes() []string

	// Priority orders candidates for the same type. Format-specific decoders
	// sit at 50 and above, the text sniffing fallback below.
	Priority() int
}

// NormaliserRegistry resolves an attachment MIME type to decoders.
type NormaliserRegistry interface {
	// Candidates returns the normalisers accepting mimeType, strongest first.
	// MIME parameters such as charset are ignored.
	Candidates(mimeType string) []Normaliser
}
