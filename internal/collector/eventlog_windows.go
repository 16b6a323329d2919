//go:build windows

package collector

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	evtQueryChannelPath       = 0x1
	evtQueryReverseDirection  = 0x200
	evtQueryTolerateQueryErrs = 0x1000
	evtRenderEventXML         = 1
	evtFormatMessageEvent     = 1
	evtNextTimeoutMillis      = 2000
)

var (
	modWevtapi                   = windows.NewLazySystemDLL("wevtapi.dll")
	procEvtQuery                 = modWevtapi.NewProc("EvtQuery")
	procEvtNext                  = modWevtapi.NewProc("EvtNext")
	procEvtRender                = modWevtapi.NewProc("EvtRender")
	procEvtClose                 = modWevtapi.NewProc("EvtClose")
	procEvtOpenPublisherMetadata = modWevtapi.NewProc("EvtOpenPublisherMetadata")
	procEvtFormatMessage         = modWevtapi.NewProc("EvtFormatMessage")
)

// NewSource returns the event log backend named by backend.
func NewSource(backend string, batchSize int) Source {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if backend == "powershell" {
		return powershellSource{}
	}
	return wevtSource{batch: uint32(batchSize)}
}

type wevtSource struct {
	batch uint32
}

func (s wevtSource) Open(_ context.Context, channel string, _ int) (Channel, error) {
	pathPtr, err := windows.UTF16PtrFromString(channel)
	if err != nil {
		return nil, fmt.Errorf("path UTF16: %w", err)
	}
	queryPtr, err := windows.UTF16PtrFromString("*")
	if err != nil {
		return nil, fmt.Errorf("query UTF16: %w", err)
	}
	h, err := evtQuery(pathPtr, queryPtr)
	if err != nil {
		return nil, err
	}
	return &wevtChannel{query: h, batch: s.batch}, nil
}

type wevtChannel struct {
	query windows.Handle
	batch uint32
	cache publisherCache
}

func (c *wevtChannel) Next(ctx context.Context) ([]RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handles, err := evtNextBatch(c.query, c.batch)
	if err != nil {
		if errors.Is(err, windows.ERROR_NO_MORE_ITEMS) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]RawEvent, 0, len(handles))
	for _, hEvt := range handles {
		out = append(out, parseEvent(hEvt, &c.cache))
		evtCloseHandle(hEvt)
	}
	return out, nil
}

func (c *wevtChannel) Close() error {
	c.cache.close()
	evtCloseHandle(c.query)
	c.query = 0
	return nil
}

type eventXML struct {
	System struct {
		Provider struct {
			Name string `xml:"Name,attr"`
		} `xml:"Provider"`
		EventID struct {
			Qualifiers string `xml:"Qualifiers,attr"`
			Value      string `xml:",chardata"`
		} `xml:"EventID"`
		Level       string `xml:"Level"`
		Task        string `xml:"Task"`
		Keywords    string `xml:"Keywords"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
}

type publisherCache struct {
	mu      sync.Mutex
	handles map[string]windows.Handle
	failed  map[string]error
}

func (c *publisherCache) get(provider string) (windows.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles == nil {
		c.handles = make(map[string]windows.Handle)
		c.failed = make(map[string]error)
	}
	if h, ok := c.handles[provider]; ok {
		return h, nil
	}
	if err, ok := c.failed[provider]; ok {
		return 0, err
	}
	ptr, err := windows.UTF16PtrFromString(provider)
	if err != nil {
		return 0, fmt.Errorf("publisher UTF16: %w", err)
	}
	r, _, callErr := procEvtOpenPublisherMetadata.Call(
		0, // local session
		uintptr(unsafe.Pointer(ptr)),
		0, // log file path
		0, // locale
		0, // flags
	)
	if r == 0 {
		err := fmt.Errorf("EvtOpenPublisherMetadata(%s): %w", provider, callErr)
		c.failed[provider] = err
		return 0, err
	}
	h := windows.Handle(r)
	c.handles[provider] = h
	return h, nil
}

func (c *publisherCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, h := range c.handles {
		evtCloseHandle(h)
		delete(c.handles, k)
	}
	c.failed = nil
}

func evtQuery(path, query *uint16) (windows.Handle, error) {
	r, _, err := procEvtQuery.Call(
		0,
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(query)),
		evtQueryChannelPath|evtQueryReverseDirection|evtQueryTolerateQueryErrs,
	)
	if r == 0 {
		return 0, fmt.Errorf("EvtQuery: %w", err)
	}
	return windows.Handle(r), nil
}

func evtNextBatch(hQuery windows.Handle, batch uint32) ([]windows.Handle, error) {
	handles := make([]windows.Handle, batch)
	var returned uint32
	r, _, err := procEvtNext.Call(
		uintptr(hQuery),
		uintptr(batch),
		uintptr(unsafe.Pointer(&handles[0])),
		evtNextTimeoutMillis,
		0,
		uintptr(unsafe.Pointer(&returned)),
	)
	if r == 0 {
		if errno, ok := err.(windows.Errno); ok && errno == windows.ERROR_NO_MORE_ITEMS {
			return nil, windows.ERROR_NO_MORE_ITEMS
		}
		return nil, fmt.Errorf("EvtNext: %w", err)
	}
	return handles[:returned], nil
}

// parseEvent never fails the batch: an event that cannot be rendered comes
// back with MessageErr set and whatever fields could be read.
func parseEvent(hEvt windows.Handle, cache *publisherCache) RawEvent {
	xmlText, err := renderEventXML(hEvt)
	if err != nil {
		return RawEvent{MessageErr: err}
	}
	var parsed eventXML
	if err := xml.Unmarshal([]byte(xmlText), &parsed); err != nil {
		return RawEvent{MessageErr: fmt.Errorf("parse XML: %w", err)}
	}
	sys := parsed.System

	timestamp, timeErr := time.Parse(time.RFC3339Nano, sys.TimeCreated.SystemTime)

	id := parseUint(sys.EventID.Value, 10, 32)
	qualifiers := parseUint(sys.EventID.Qualifiers, 10, 16)
	keywords := parseUint(strings.TrimPrefix(strings.ToLower(sys.Keywords), "0x"), 16, 64)

	ev := RawEvent{
		TimeCreated: timestamp.UTC(),
		Provider:    sys.Provider.Name,
		EventCode:   uint32(qualifiers)<<16 | uint32(id&0xFFFF),
		EventType:   classicType(uint8(parseUint(sys.Level, 10, 8)), keywords),
		Category:    uint16(parseUint(sys.Task, 10, 16)),
	}

	if timeErr != nil {
		ev.TimeCreated = time.Time{}
		ev.MessageErr = fmt.Errorf("parse time: %w", timeErr)
		return ev
	}

	meta, err := cache.get(sys.Provider.Name)
	if err != nil {
		ev.MessageErr = err
		return ev
	}
	ev.Message, ev.MessageErr = formatMessage(meta, hEvt)
	return ev
}

func parseUint(s string, base, bits int) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), base, bits)
	if err != nil {
		return 0
	}
	return v
}

func renderEventXML(hEvt windows.Handle) (string, error) {
	var bufferUsed uint32
	var propCount uint32

	r, _, err := procEvtRender.Call(
		0,
		uintptr(hEvt),
		evtRenderEventXML,
		0,
		0,
		uintptr(unsafe.Pointer(&bufferUsed)),
		uintptr(unsafe.Pointer(&propCount)),
	)
	if r == 0 {
		if errno, ok := err.(windows.Errno); !ok || errno != windows.ERROR_INSUFFICIENT_BUFFER {
			return "", fmt.Errorf("EvtRender(size): %w", err)
		}
	}

	// bufferUsed is in bytes.
	buffer := make([]uint16, bufferUsed/2+1)
	r, _, err = procEvtRender.Call(
		0,
		uintptr(hEvt),
		evtRenderEventXML,
		uintptr(bufferUsed),
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&bufferUsed)),
		uintptr(unsafe.Pointer(&propCount)),
	)
	if r == 0 {
		return "", fmt.Errorf("EvtRender: %w", err)
	}
	return windows.UTF16ToString(buffer), nil
}

func formatMessage(meta windows.Handle, hEvt windows.Handle) (string, error) {
	var used uint32
	r, _, err := procEvtFormatMessage.Call(
		uintptr(meta),
		uintptr(hEvt),
		0,
		0,
		0,
		evtFormatMessageEvent,
		0,
		0,
		uintptr(unsafe.Pointer(&used)),
	)
	if r == 0 {
		if errno, ok := err.(windows.Errno); !ok || errno != windows.ERROR_INSUFFICIENT_BUFFER {
			return "", fmt.Errorf("EvtFormatMessage(size): %w", err)
		}
	}
	if used == 0 {
		return "", nil
	}

	buf := make([]uint16, used)
	r, _, err = procEvtFormatMessage.Call(
		uintptr(meta),
		uintptr(hEvt),
		0,
		0,
		0,
		evtFormatMessageEvent,
		uintptr(used),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&used)),
	)
	if r == 0 {
		return "", fmt.Errorf("EvtFormatMessage: %w", err)
	}
	return windows.UTF16ToString(buf), nil
}

func evtCloseHandle(h windows.Handle) {
	if h == 0 {
		return
	}
	procEvtClose.Call(uintptr(h))
}
