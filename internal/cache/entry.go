package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// encodeEntry 以 HTTP/1.1 报文格式序列化条目：先写请求头部（绝对 URL + Vary
// 相关请求头），紧接着写完整响应。读取时顺序解析同一个 bufio.Reader 即可。
func encodeEntry(req *Request, resp *Response) ([]byte, error) {
	stored := storedRequest(req, resp)
	buf := &bytes.Buffer{}

	fmt.Fprintf(buf, "%s %s HTTP/1.1\r\n", stored.Method, stored.Key())
	if err := stored.Header.Write(buf); err != nil {
		return nil, fmt.Errorf("write stored request header: %w", err)
	}
	buf.WriteString("\r\n")

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	wire := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}
	if err := wire.Write(buf); err != nil {
		return nil, fmt.Errorf("write stored response: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeEntry 还原 encodeEntry 写入的请求与响应。
func decodeEntry(data []byte) (*Request, *Response, error) {
	reader := bufio.NewReader(bytes.NewReader(data))

	rawReq, err := http.ReadRequest(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("read stored request: %w", err)
	}
	reqURL, err := url.Parse(rawReq.RequestURI)
	if err != nil {
		return nil, nil, fmt.Errorf("parse stored request url: %w", err)
	}
	stored := &Request{Method: rawReq.Method, URL: reqURL, Header: rawReq.Header}

	rawResp, err := http.ReadResponse(reader, rawReq)
	if err != nil {
		return nil, nil, fmt.Errorf("read stored response: %w", err)
	}
	defer rawResp.Body.Close()
	body, err := io.ReadAll(rawResp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read stored body: %w", err)
	}
	rawResp.Header.Del("Content-Length")

	return stored, &Response{
		StatusCode: rawResp.StatusCode,
		Header:     rawResp.Header,
		Body:       body,
		URL:        stored.Key(),
	}, nil
}

// matchEntry 解码条目并检查 Vary 约束。
func matchEntry(data []byte, req *Request) (*Response, error) {
	stored, resp, err := decodeEntry(data)
	if err != nil {
		return nil, err
	}
	if !varyMatches(stored, resp, req) {
		return nil, ErrNotFound
	}
	return resp, nil
}
