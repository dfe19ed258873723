package snapshot

import (
	"bytes"
	"fmt"

	"github.com/eluv-io/klvsnap/geo"
)

// XMPNamespace identifies an XMP APP1 segment. It is followed by a NUL byte
// in the segment payload.
const XMPNamespace = "http://ns.adobe.com/xap/1.0/"

const xmpTemplate = "<?xpacket begin='\xef\xbb\xbf' id='W5M0MpCehiHzreSzNTczkc9d'?>\n" +
	"<x:xmpmeta xmlns:x='adobe:ns:meta/' x:xmptk='XMP Core 5.4.0'>\n" +
	"<rdf:RDF xmlns:rdf='http://www.w3.org/1999/02/22-rdf-syntax-ns#'>\n" +
	"\n" +
	" <rdf:Description rdf:about='' xmlns:exif='http://ns.adobe.com/exif/1.0/'>\n" +
	"  <exif:GPSLatitude>%s</exif:GPSLatitude>\n" +
	"  <exif:GPSLongitude>%s</exif:GPSLongitude>\n" +
	"  <exif:GPSAltitude>%.1f</exif:GPSAltitude>\n" +
	"  <exif:GPSTimeStamp>%s</exif:GPSTimeStamp>\n" +
	" </rdf:Description>\n" +
	"</rdf:RDF>\n" +
	"</x:xmpmeta>\n"

// BuildXMP returns the APP1 payload tagging a snapshot with pos: the XMP
// namespace, a NUL byte and the XMP packet. ok is false when the GPS time of
// pos does not reconstruct to a year after geo.MinPlausibleYear, in which
// case the snapshot carries no XMP.
func BuildXMP(pos geo.Position, leapSeconds int) (payload []byte, ok bool) {
	cal := pos.Calendar(leapSeconds)
	if !cal.Plausible() {
		return nil, false
	}
	var buf bytes.Buffer
	buf.WriteString(XMPNamespace)
	buf.WriteByte(0)
	_, _ = fmt.Fprintf(&buf, xmpTemplate,
		geo.FormatLatitude(pos.Lat),
		geo.FormatLongitude(pos.Lon),
		pos.Alt,
		cal.String())
	return buf.Bytes(), true
}
