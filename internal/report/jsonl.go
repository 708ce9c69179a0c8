package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
)

// 单行文档上限，AndroPyTool 报告可达数 MB
const maxLineSize = 64 << 20

// JSONLReader 逐行读取报告，每行一个分析文档
type JSONLReader struct {
	file    *os.File
	scanner *bufio.Scanner
	lineNum int
}

// OpenJSONL 打开 JSONL 报告文件
func OpenJSONL(filePath string) (*JSONLReader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)

	return &JSONLReader{file: file, scanner: scanner}, nil
}

// Next 返回下一个非空行的副本，结束时返回 io.EOF
func (r *JSONLReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		r.lineNum++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// LineNumber 当前行号（从 1 开始）
func (r *JSONLReader) LineNumber() int {
	return r.lineNum
}

// Close 关闭读取器
func (r *JSONLReader) Close() error {
	return r.file.Close()
}

// JSONLWriter 流式写出分类结果
type JSONLWriter struct {
	file   *os.File
	writer *bufio.Writer
}

// CreateJSONL 创建（截断）结果文件
func CreateJSONL(filePath string) (*JSONLWriter, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{file: file, writer: bufio.NewWriterSize(file, 64*1024)}, nil
}

// WriteLine 写入一行 JSON
func (w *JSONLWriter) WriteLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	return w.writer.WriteByte('\n')
}

// Close 刷新并关闭
func (w *JSONLWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
