package transport

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/eluv-io/errors-go"
)

// liveEdgeSegments is how many segments behind the live edge a live playlist
// starts playing.
const liveEdgeSegments = 3

var _ Transport = (*hlsProto)(nil)

// hlsProto reads an HLS playlist and concatenates its MPEG-TS segments into
// one stream. Master playlists resolve to the highest bandwidth variant.
type hlsProto struct {
	u      *url.URL
	client *http.Client
	vod    bool
}

func NewHLSTransport(u *url.URL) Transport {
	return &hlsProto{u: u, client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *hlsProto) URL() string {
	return h.u.String()
}

func (h *hlsProto) Handler() string {
	return "hls"
}

// Live is true until Open found a playlist with EXT-X-ENDLIST.
func (h *hlsProto) Live() bool {
	return !h.vod
}

func (h *hlsProto) Open() (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &HLSReader{
		ctx:             ctx,
		client:          h.client,
		masterURL:       h.u,
		playlistPollSec: 1,
		nextSeqNo:       -1,
	}
	// resolve the media playlist up front so an unreachable source fails Open
	if err := r.resolvePlaylist(); err != nil {
		cancel()
		return nil, err
	}
	closed, err := r.playlistClosed()
	if err != nil {
		cancel()
		return nil, err
	}
	h.vod = closed

	pr, pw := io.Pipe()
	s := &hlsStream{PipeReader: pr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		pw.CloseWithError(r.run(pw))
	}()
	return s, nil
}

type hlsStream struct {
	*io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *hlsStream) Close() error {
	s.cancel()
	err := s.PipeReader.Close()
	<-s.done
	return err
}

// HLSReader follows a media playlist and writes its segments in sequence.
type HLSReader struct {
	ctx             context.Context
	client          *http.Client
	masterURL       *url.URL
	playlistURL     *url.URL
	playlistPollSec float64 // half the target duration, per RFC 8216
	nextSeqNo       int64   // next segment to read; -1 before the first playlist
	key             *m3u8.Key
}

func (lhr *HLSReader) resolvePlaylist() error {
	e := errors.Template("HLSReader.resolvePlaylist", errors.K.Unavailable, "url", lhr.masterURL)

	playlist, listType, err := lhr.readPlaylist(lhr.masterURL)
	if err != nil {
		return e(err)
	}
	if listType == m3u8.MEDIA {
		lhr.playlistURL = lhr.masterURL
		return nil
	}

	var variant *m3u8.Variant
	for _, v := range playlist.(*m3u8.MasterPlaylist).Variants {
		if variant == nil || v.Bandwidth > variant.Bandwidth {
			variant = v
		}
	}
	if variant == nil {
		return e("reason", "variant not found in master playlist")
	}
	if lhr.playlistURL, err = resolve(variant.URI, lhr.masterURL); err != nil {
		return e(err, "variant", variant.URI)
	}
	log.Info("HLS media playlist found", "url", lhr.playlistURL, "bandwidth", variant.Bandwidth, "resolution", variant.Resolution)
	return nil
}

// playlistClosed reads the media playlist once and reports whether it ends
// with EXT-X-ENDLIST.
func (lhr *HLSReader) playlistClosed() (bool, error) {
	e := errors.Template("HLSReader.playlistClosed", errors.K.Unavailable, "url", lhr.playlistURL)

	playlist, listType, err := lhr.readPlaylist(lhr.playlistURL)
	if err != nil {
		return false, e(err)
	} else if listType != m3u8.MEDIA {
		return false, e("reason", "expected media playlist", "list_type", listType)
	}
	return playlist.(*m3u8.MediaPlaylist).Closed, nil
}

func (lhr *HLSReader) readPlaylist(u *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	content, err := openURL(lhr.ctx, lhr.client, u)
	if err != nil {
		return nil, 0, err
	}
	defer content.Close()

	playlist, listType, err := m3u8.DecodeFrom(content, true)
	if err != nil {
		return nil, 0, errors.E("HLSReader.readPlaylist", errors.K.Invalid, err, "url", u)
	}
	return playlist, listType, nil
}

// run polls the media playlist and copies new segments to w until the
// playlist ends, the reader is cancelled or w is closed.
func (lhr *HLSReader) run(w io.Writer) error {
	for {
		ended, err := lhr.readSegments(w)
		if lhr.ctx.Err() != nil {
			return nil
		}
		if err != nil || ended {
			return err
		}
		select {
		case <-lhr.ctx.Done():
			return nil
		case <-time.After(time.Duration(lhr.playlistPollSec * float64(time.Second))):
		}
	}
}

// readSegments reads every segment from nextSeqNo to the live edge. ended is
// true once a VOD or finished live playlist was read to its end.
func (lhr *HLSReader) readSegments(w io.Writer) (ended bool, err error) {
	e := errors.Template("HLSReader.readSegments", errors.K.IO, "url", lhr.playlistURL)

	playlist, listType, err := lhr.readPlaylist(lhr.playlistURL)
	if err != nil {
		return false, e(err)
	} else if listType != m3u8.MEDIA {
		return false, e("reason", "expected media playlist", "list_type", listType)
	}
	media := playlist.(*m3u8.MediaPlaylist)
	if media.TargetDuration > 0 {
		lhr.playlistPollSec = media.TargetDuration / 2
	}

	segments := media.Segments
	for len(segments) > 0 && segments[len(segments)-1] == nil {
		segments = segments[:len(segments)-1]
	}

	if lhr.nextSeqNo < 0 {
		lhr.nextSeqNo = int64(media.SeqNo)
		if !media.Closed && len(segments) > liveEdgeSegments {
			lhr.nextSeqNo = int64(segments[len(segments)-liveEdgeSegments].SeqId)
		}
		log.Info("HLS starting playback", "seq_no", lhr.nextSeqNo, "vod", media.Closed)
	}
	if len(segments) > 0 && int64(segments[0].SeqId) > lhr.nextSeqNo {
		log.Warn("HLS fell behind live edge, skipping ahead", "next_seq_no", lhr.nextSeqNo, "first_seq_no", segments[0].SeqId)
		lhr.nextSeqNo = int64(segments[0].SeqId)
	}

	for _, segment := range segments {
		if segment.Key != nil {
			lhr.key = segment.Key
		}
		if int64(segment.SeqId) < lhr.nextSeqNo {
			continue
		}
		if lhr.ctx.Err() != nil {
			return true, nil
		}

		written, err := readSegment(lhr.ctx, lhr.client, lhr.playlistURL, segment, lhr.key, w)
		if err == io.ErrClosedPipe {
			return true, nil
		} else if err != nil {
			return false, e(err, "seq_no", segment.SeqId)
		}
		log.Debug("HLS segment read", "seq_no", segment.SeqId, "duration", segment.Duration, "written", written)
		lhr.nextSeqNo = int64(segment.SeqId) + 1
	}
	return media.Closed, nil
}

func openURL(ctx context.Context, client *http.Client, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	} else if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.E("openURL", errors.K.Unavailable, "reason", "HTTP GET failed", "status", resp.StatusCode, "url", u.String())
	}
	return resp.Body, nil
}

// resolve returns an absolute URL
func resolve(urlStr string, base *url.URL) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil || u.IsAbs() {
		return u, err
	}
	return base.ResolveReference(u), nil
}

func readSegment(ctx context.Context, client *http.Client, u *url.URL, s *m3u8.MediaSegment, key *m3u8.Key, w io.Writer) (written int64, err error) {
	msURL, err := resolve(s.URI, u)
	if err != nil {
		return 0, err
	}

	var dw *decryptWriter
	if key != nil && strings.EqualFold(key.Method, "AES-128") {
		if dw, err = segmentDecrypter(ctx, client, u, s, key, w); err != nil {
			return 0, err
		}
	}

	content, err := openURL(ctx, client, msURL)
	if err != nil {
		return 0, err
	}
	defer content.Close()

	if dw == nil {
		return io.Copy(w, content)
	}
	if written, err = io.Copy(dw, content); err != nil {
		return written, err
	}
	n, err := dw.Flush()
	return written + int64(n), err
}

func segmentDecrypter(ctx context.Context, client *http.Client, u *url.URL, s *m3u8.MediaSegment, key *m3u8.Key, w io.Writer) (*decryptWriter, error) {
	e := errors.Template("segmentDecrypter", errors.K.Invalid, "key_uri", key.URI)

	keyURL, err := resolve(key.URI, u)
	if err != nil {
		return nil, e(err)
	}
	body, err := openURL(ctx, client, keyURL)
	if err != nil {
		return nil, e(err)
	}
	defer body.Close()
	k, err := io.ReadAll(body)
	if err != nil {
		return nil, e(err)
	} else if len(k) != aes.BlockSize {
		return nil, e("reason", "bad AES key size", "len", len(k))
	}

	// without an explicit IV the media sequence number is used
	iv := make([]byte, aes.BlockSize)
	if key.IV != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(key.IV, "0x"), "0X"))
		if err != nil {
			return nil, e(err, "iv", key.IV)
		} else if len(b) != aes.BlockSize {
			return nil, e("reason", "bad AES IV size", "iv", key.IV)
		}
		iv = b
	} else {
		binary.BigEndian.PutUint64(iv[8:], s.SeqId)
	}
	return newDecryptWriter(w, k, iv)
}

func unpadPKCS5(src []byte) []byte {
	padlen := int(src[len(src)-1])
	if padlen == 0 || padlen > len(src) {
		return src
	}
	return src[:len(src)-padlen]
}

// decryptWriter decrypts AES-128-CBC segment data on its way to writer.
type decryptWriter struct {
	cipher    cipher.BlockMode
	writer    io.Writer
	remainder []byte
}

func (dw *decryptWriter) Write(p []byte) (n int, err error) {
	src := append(dw.remainder, p...)

	// Decrypt only multiples of the AES block size. Always hold onto a block
	// (1 to 16 bytes) to remove padding later.
	writeLen := len(src)
	remainder := writeLen % dw.cipher.BlockSize()
	if remainder == 0 {
		remainder = dw.cipher.BlockSize()
	}
	writeLen = writeLen - remainder
	dw.cipher.CryptBlocks(src[:writeLen], src[:writeLen])
	dw.remainder = append([]byte(nil), src[writeLen:]...)
	if _, err = dw.writer.Write(src[:writeLen]); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush MUST be called at the end to take care of un-padding
func (dw *decryptWriter) Flush() (n int, err error) {
	if len(dw.remainder) != dw.cipher.BlockSize() {
		return 0, errors.E("decryptWriter.Flush", errors.K.Invalid, "reason", "expected a 16 byte block remainder", "len", len(dw.remainder))
	}
	dw.cipher.CryptBlocks(dw.remainder, dw.remainder)
	return dw.writer.Write(unpadPKCS5(dw.remainder))
}

func newDecryptWriter(writer io.Writer, key []byte, iv []byte) (*decryptWriter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &decryptWriter{
		cipher: cipher.NewCBCDecrypter(block, iv),
		writer: writer,
	}, nil
}
