package backend

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"classchat/internal/domain"
)

// UploadFile streams one file as multipart form data and returns the stored
// attachment reference. progress receives 0-100 as source bytes are consumed;
// pass nil to skip reporting. Not retried: the upload pipeline owns failure
// handling per file.
func (c *Client) UploadFile(ctx context.Context, r io.Reader, name string, size int64, mimeType string, progress func(int)) (*domain.Attachment, error) {
	src := io.Reader(r)
	if progress != nil && size > 0 {
		src = &progressReader{r: r, total: size, fn: progress, last: -1}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreatePart(filePartHeader(name, mimeType))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("create form part: %w", err))
			return
		}
		if _, err := io.Copy(part, src); err != nil {
			pw.CloseWithError(fmt.Errorf("stream file: %w", err))
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.uploads.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}

	var att domain.Attachment
	if err := decodeInto(resp, &att); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	return &att, nil
}

func filePartHeader(name, mimeType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	if mimeType != "" {
		h.Set("Content-Type", mimeType)
	}
	return h
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// progressReader reports whole-percent progress as its inner reader is drained.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(int)
	last  int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.fn(pct)
		}
	}
	return n, err
}
