package page

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "ChainPilot/internal/errors"
)

// Driver 是执行引擎操作页面的抽象。
// 校验器与页面类工具都依赖它，实际实现可以对接浏览器桥或测试替身。
type Driver interface {
	// Navigate 跳转到指定地址。
	Navigate(ctx context.Context, url string) error
	// Click 点击匹配选择器的元素。
	Click(ctx context.Context, selector string) error
	// Extract 提取匹配选择器的元素文本。
	Extract(ctx context.Context, selector string) (string, error)
	// CurrentURL 返回当前页面地址。
	CurrentURL(ctx context.Context) (string, error)
	// Content 返回当前页面的文本内容。
	Content(ctx context.Context) (string, error)
	// ElementExists 判断选择器是否命中元素。
	ElementExists(ctx context.Context, selector string) (bool, error)
}

// MemoryDriver 是进程内的页面替身，持有一组预置页面。
// 主要服务于本地运行与测试，不发起任何网络请求。
type MemoryDriver struct {
	mu       sync.RWMutex
	current  string
	pages    map[string]*Page
	clickLog []string
}

// Page 描述替身驱动中的一个静态页面。
type Page struct {
	Content  string
	Elements map[string]string
	// Links 把选择器映射到点击后跳转的地址。
	Links map[string]string
}

// NewMemoryDriver 创建空的页面替身。
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{pages: make(map[string]*Page)}
}

// AddPage 预置一个页面。
func (d *MemoryDriver) AddPage(url string, page Page) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[url] = &page
}

// Navigate 实现 Driver。目标页面未预置时返回 NOT_FOUND。
func (d *MemoryDriver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pages[url]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("页面 %s 不存在", url))
	}
	d.current = url
	return nil
}

// Click 实现 Driver。带跳转链接的元素会切换当前页面。
func (d *MemoryDriver) Click(_ context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[d.current]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "尚未打开任何页面")
	}
	if _, ok := page.Elements[selector]; !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("元素 %s 不存在", selector))
	}
	d.clickLog = append(d.clickLog, selector)
	if target, ok := page.Links[selector]; ok {
		if _, exists := d.pages[target]; exists {
			d.current = target
		}
	}
	return nil
}

// Extract 实现 Driver。
func (d *MemoryDriver) Extract(_ context.Context, selector string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	page, ok := d.pages[d.current]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "尚未打开任何页面")
	}
	text, ok := page.Elements[selector]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("元素 %s 不存在", selector))
	}
	return text, nil
}

// CurrentURL 实现 Driver。
func (d *MemoryDriver) CurrentURL(context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current, nil
}

// Content 实现 Driver。
func (d *MemoryDriver) Content(context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	page, ok := d.pages[d.current]
	if !ok {
		return "", nil
	}
	return page.Content, nil
}

// ElementExists 实现 Driver。
func (d *MemoryDriver) ElementExists(_ context.Context, selector string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	page, ok := d.pages[d.current]
	if !ok {
		return false, nil
	}
	if strings.TrimSpace(selector) == "" {
		return false, nil
	}
	_, exists := page.Elements[selector]
	return exists, nil
}

// Clicks 返回点击历史，便于测试断言。
func (d *MemoryDriver) Clicks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.clickLog))
	copy(out, d.clickLog)
	return out
}

var _ Driver = (*MemoryDriver)(nil)
