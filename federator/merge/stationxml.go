package merge

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/fedgate/federator/spool"
	"github.com/BaSui01/fedgate/types"
	"go.uber.org/zap"
)

// StationXMLNamespace FDSN StationXML 命名空间
const StationXMLNamespace = "http://www.fdsn.org/xml/station/1"

const (
	stationXMLSchemaVersion = "1.1"
	defaultSource           = "fedgate"
	defaultSender           = "fedgate"
)

// element 通用 XML 元素树
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []element  `xml:",any"`
}

// key 元素名加排序后的属性，作为合并键
func (e *element) key() string {
	attrs := make([]string, 0, len(e.Attrs))
	for _, a := range e.Attrs {
		if !keepAttr(a) {
			continue
		}
		attrs = append(attrs, a.Name.Local+"="+a.Value)
	}
	sort.Strings(attrs)
	return e.XMLName.Local + "|" + strings.Join(attrs, "|")
}

// keepAttr 丢弃命名空间声明与外部命名空间属性
func keepAttr(a xml.Attr) bool {
	if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
		return false
	}
	return a.Name.Space == "" || a.Name.Space == StationXMLNamespace
}

func keepElement(e *element) bool {
	return e.XMLName.Space == "" || e.XMLName.Space == StationXMLNamespace
}

// =============================================================================
// 🗂️ 合并累加器
// =============================================================================

type stationAcc struct {
	el       element
	channels []element
	seen     map[string]struct{}
}

func (s *stationAcc) add(ch element) {
	k := ch.key()
	if _, dup := s.seen[k]; dup {
		return
	}
	s.seen[k] = struct{}{}
	s.channels = append(s.channels, ch)
}

type networkAcc struct {
	el       element
	stations []*stationAcc
	index    map[string]*stationAcc
}

// station 返回同键的 Station 累加器，首次出现时以 header 作为其非 Channel 子元素
func (n *networkAcc) station(head *element, header []element) *stationAcc {
	k := head.key()
	acc, ok := n.index[k]
	if !ok {
		acc = &stationAcc{seen: make(map[string]struct{})}
		acc.el.XMLName, acc.el.Attrs = head.XMLName, head.Attrs
		acc.el.Children = append([]element(nil), header...)
		n.index[k] = acc
		n.stations = append(n.stations, acc)
	}
	return acc
}

// =============================================================================
// 📄 StationXML Framer
// =============================================================================

// defaultMaxBuffered 一个分组默认最多累积的字节数
const defaultMaxBuffered = 8 << 20

// StationXMLFramer 把多个 StationXML 文档合并为一个：只输出一次头部与尾部，
// 同一分组内属性相同的 Network 合并，重复的 Station 去重并追加其 Channel。
//
// 分片按 token 流式读取，每次只解码一个 Channel。累积量超过 MaxBuffered 时
// 已合并的部分提前写出，之后出现的同名 Network/Station 另起一段，文档仍然有效。
type StationXMLFramer struct {
	opts     FramerOptions
	logger   *zap.Logger
	group    string
	networks []*networkAcc
	index    map[string]*networkAcc
	comments []string
	buffered int64
	wrote    bool
}

// NewStationXMLFramer 创建 StationXML Framer
func NewStationXMLFramer(opts FramerOptions, logger *zap.Logger) *StationXMLFramer {
	if opts.Source == "" {
		opts.Source = defaultSource
	}
	if opts.Sender == "" {
		opts.Sender = defaultSender
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBuffered == 0 {
		opts.MaxBuffered = defaultMaxBuffered
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StationXMLFramer{opts: opts, logger: logger, index: make(map[string]*networkAcc)}
}

// ContentType 实现 Framer
func (f *StationXMLFramer) ContentType() string { return "application/xml" }

// Begin 写出文档头
func (f *StationXMLFramer) Begin(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		`<?xml version="1.0" encoding="UTF-8"?>`+"\n"+
			`<FDSNStationXML xmlns="%s" schemaVersion="%s">`+
			`<Source>%s</Source><Sender>%s</Sender><Created>%s</Created>`,
		StationXMLNamespace, stationXMLSchemaVersion,
		escape(f.opts.Source), escape(f.opts.Sender),
		f.opts.Now().UTC().Format("2006-01-02T15:04:05"))
	return err
}

// End 写出剩余分组与文档尾。没有任何 Network 时不写出，会话按无数据处理。
func (f *StationXMLFramer) End(w io.Writer) error {
	if err := f.flush(w); err != nil {
		return err
	}
	if !f.wrote {
		return nil
	}
	if err := f.writeComments(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</FDSNStationXML>\n")
	return err
}

// Gap 缺口以 XML 注释形式随当前分组写出
func (f *StationXMLFramer) Gap(_ io.Writer, gap Gap) error {
	// 注释内容不允许出现 "--"
	text := strings.ReplaceAll(gap.String(), "--", "- -")
	f.comments = append(f.comments, "fedgate: omitted "+text)
	return nil
}

// Frame 先完整校验分片，再流式合并其中的 Network。
func (f *StationXMLFramer) Frame(w io.Writer, g types.Granule, c *spool.Chunk) error {
	if err := validateStationXML(c); err != nil {
		return alignmentError(g, "invalid StationXML: %v", err)
	}

	if g.Group != f.group {
		if err := f.flush(w); err != nil {
			return err
		}
		f.group = g.Group
	}

	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	dec := xml.NewDecoder(rc)
	if _, err := rootElement(dec); err != nil {
		return err
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "Network" || (start.Name.Space != "" && start.Name.Space != StationXMLNamespace) {
			if err := dec.Skip(); err != nil {
				return err
			}
			continue
		}
		if err := f.mergeNetwork(w, dec, start); err != nil {
			return err
		}
	}
}

// validateStationXML 第一遍：只检查根元素与良构性，不保留内容
func validateStationXML(c *spool.Chunk) error {
	rc, err := c.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	dec := xml.NewDecoder(rc)
	if _, err := rootElement(dec); err != nil {
		return err
	}
	for {
		if _, err := dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// rootElement 读到根元素并确认是 FDSNStationXML
func rootElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, errors.New("missing FDSNStationXML root element")
		}
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "FDSNStationXML" {
				return start, fmt.Errorf("unexpected root element %q", start.Name.Local)
			}
			return start, nil
		}
	}
}

// mergeNetwork 读取一个 Network 元素直到其结束标签
func (f *StationXMLFramer) mergeNetwork(w io.Writer, dec *xml.Decoder, start xml.StartElement) error {
	head := element{XMLName: start.Name, Attrs: start.Copy().Attr}
	var (
		header   []element
		stations int
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "Station" {
				stations++
				if err := f.mergeStation(w, dec, t, &head, header); err != nil {
					return err
				}
				continue
			}
			var el element
			if err := f.decode(dec, &el, &t); err != nil {
				return err
			}
			header = append(header, el)
		case xml.EndElement:
			if stations == 0 {
				f.network(&head, header)
			}
			return nil
		}
	}
}

// mergeStation 读取一个 Station 元素，Channel 逐个并入累加器
func (f *StationXMLFramer) mergeStation(w io.Writer, dec *xml.Decoder, start xml.StartElement, net *element, netHeader []element) error {
	head := element{XMLName: start.Name, Attrs: start.Copy().Attr}
	var (
		header   []element
		channels int
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var el element
			if err := f.decode(dec, &el, &t); err != nil {
				return err
			}
			if t.Name.Local != "Channel" {
				header = append(header, el)
				continue
			}
			channels++
			f.network(net, netHeader).station(&head, header).add(el)
			if f.opts.MaxBuffered > 0 && f.buffered > f.opts.MaxBuffered {
				f.logger.Debug("StationXML merge buffer full, writing group early",
					zap.String("group", f.group), zap.Int64("buffered", f.buffered))
				if err := f.flush(w); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if channels == 0 {
				f.network(net, netHeader).station(&head, header)
			}
			return nil
		}
	}
}

// network 返回同键的 Network 累加器，首次出现时以 header 作为其非 Station 子元素
func (f *StationXMLFramer) network(head *element, header []element) *networkAcc {
	k := head.key()
	acc, ok := f.index[k]
	if !ok {
		acc = &networkAcc{index: make(map[string]*stationAcc)}
		acc.el.XMLName, acc.el.Attrs = head.XMLName, head.Attrs
		acc.el.Children = append([]element(nil), header...)
		f.index[k] = acc
		f.networks = append(f.networks, acc)
	}
	return acc
}

// decode 解码一个子元素，并按读取的字节数累计缓冲量
func (f *StationXMLFramer) decode(dec *xml.Decoder, el *element, start *xml.StartElement) error {
	before := dec.InputOffset()
	if err := dec.DecodeElement(el, start); err != nil {
		return err
	}
	f.buffered += dec.InputOffset() - before
	return nil
}

// flush 写出当前分组累积的 Network 与缺口注释
func (f *StationXMLFramer) flush(w io.Writer) error {
	f.buffered = 0
	if len(f.networks) == 0 {
		return nil
	}
	if err := f.writeComments(w); err != nil {
		return err
	}

	for _, net := range f.networks {
		if err := writeOpen(w, &net.el); err != nil {
			return err
		}
		if err := writeChildren(w, net.el.Children); err != nil {
			return err
		}
		for _, sta := range net.stations {
			if err := writeOpen(w, &sta.el); err != nil {
				return err
			}
			if err := writeChildren(w, sta.el.Children); err != nil {
				return err
			}
			if err := writeChildren(w, sta.channels); err != nil {
				return err
			}
			if err := writeClose(w, &sta.el); err != nil {
				return err
			}
		}
		if err := writeClose(w, &net.el); err != nil {
			return err
		}
	}
	f.wrote = true
	f.networks = nil
	f.index = make(map[string]*networkAcc)
	return nil
}

func (f *StationXMLFramer) writeComments(w io.Writer) error {
	for _, c := range f.comments {
		if _, err := fmt.Fprintf(w, "<!-- %s -->", c); err != nil {
			return err
		}
	}
	f.comments = f.comments[:0]
	return nil
}

// =============================================================================
// ✍️ 序列化
// =============================================================================

func writeOpen(w io.Writer, e *element) error {
	var b strings.Builder
	b.WriteString("<" + e.XMLName.Local)
	for _, a := range e.Attrs {
		if !keepAttr(a) {
			continue
		}
		fmt.Fprintf(&b, ` %s="%s"`, a.Name.Local, escape(a.Value))
	}
	b.WriteString(">")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeClose(w io.Writer, e *element) error {
	_, err := io.WriteString(w, "</"+e.XMLName.Local+">")
	return err
}

func writeChildren(w io.Writer, children []element) error {
	for i := range children {
		if err := writeElement(w, &children[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeElement(w io.Writer, e *element) error {
	if !keepElement(e) {
		return nil
	}
	if err := writeOpen(w, e); err != nil {
		return err
	}
	if len(e.Children) == 0 {
		if _, err := io.WriteString(w, escape(e.Text)); err != nil {
			return err
		}
	} else if err := writeChildren(w, e.Children); err != nil {
		return err
	}
	return writeClose(w, e)
}

func escape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
