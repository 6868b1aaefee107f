package routing

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/fedgate/types"
)

// ParsePostFormat 解析 StationLite 的 post 输出格式：
//
//	http://archive-a.example.org/fdsnws/dataselect/1/query
//	GE APE -- BHZ 2024-01-01T00:00:00 2024-01-02T00:00:00
//	GE APE -- BHN 2024-01-01T00:00:00 2024-01-02T00:00:00
//
//	http://archive-b.example.org/fdsnws/dataselect/1/query
//	NL HGN 02 BHZ 2024-01-01T00:00:00 2024-01-02T00:00:00
//
// 每个块以端点 URL 开始，块之间以空行分隔。
func ParsePostFormat(r io.Reader) ([]Route, error) {
	var (
		routes   []Route
		endpoint string
		lineNo   int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			endpoint = ""
			continue
		}
		if isURL(line) {
			endpoint = line
			continue
		}
		if endpoint == "" {
			return nil, fmt.Errorf("line %d: stream epoch without endpoint url", lineNo)
		}
		epoch, err := types.ParsePostLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		routes = append(routes, Route{Epoch: epoch, Endpoint: endpoint})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return routes, nil
}

// WritePostFormat 以 post 格式输出路由，相同端点的连续路由归为一个块。
func WritePostFormat(w io.Writer, routes []Route) error {
	bw := bufio.NewWriter(w)
	current := ""
	for _, r := range routes {
		if r.Endpoint != current {
			if current != "" {
				bw.WriteString("\n")
			}
			bw.WriteString(r.Endpoint + "\n")
			current = r.Endpoint
		}
		bw.WriteString(r.Epoch.PostLine() + "\n")
	}
	return bw.Flush()
}

func isURL(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}
