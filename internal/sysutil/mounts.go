package sysutil

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// RemovableRoots 常见的可移动介质挂载父目录
var RemovableRoots = []string{"/media", "/run/media", "/mnt"}

// RemovableMounts 解析 mounts 文件 (通常为 /proc/mounts)，返回位于 roots 下的挂载点
func RemovableMounts(mountsFile string, roots []string) ([]string, error) {
	f, err := os.Open(mountsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		mp := unescapeMount(fields[1])
		if seen[mp] || !under(mp, roots) {
			continue
		}
		seen[mp] = true
		out = append(out, mp)
	}
	return out, scanner.Err()
}

func under(path string, roots []string) bool {
	for _, r := range roots {
		if rel, err := filepath.Rel(r, path); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// unescapeMount 内核把空格等字符写成 \040 形式的八进制转义
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			hi, mid, lo := s[i+1]-'0', s[i+2]-'0', s[i+3]-'0'
			b.WriteByte(hi<<6 | mid<<3 | lo)
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

// DefaultWatchDirs 用户目录下存在的常见截图/下载目录
func DefaultWatchDirs(home string) []string {
	var out []string
	for _, d := range []string{"Pictures", "Pictures/Screenshots", "Desktop", "Downloads", "Documents"} {
		p := filepath.Join(home, d)
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			out = append(out, p)
		}
	}
	return out
}
