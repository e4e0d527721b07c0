package omx

// MIME types ports advertise in their definitions.
const (
	MIMEOctetStream = "application/octet-stream"
	// MIMEPCM is 16 bit linear PCM.
	MIMEPCM   = "audio/L16"
	MIMEMuLaw = "audio/basic"
	MIMEALaw  = "audio/PCMA"
	MIMEOpus  = "audio/opus"
	MIMEMPEG  = "audio/mpeg"
)

// MIMEOf returns the MIME type of PCM in encoding e.
func MIMEOf(e PCMEncoding) string {
	switch e {
	case PCMMuLaw:
		return MIMEMuLaw
	case PCMALaw:
		return MIMEALaw
	default:
		return MIMEPCM
	}
}
