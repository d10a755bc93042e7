package chrome

import (
	"fmt"
	"strings"

	"github.com/edgecomet/pdfrender/pkg/types"
)

// contentSelector is the primary content container of a published page
const contentSelector = "#main > div > div > div.whenContentEditable > div"

// heightMargin is added below the measured content height
const heightMargin = 100

// Regions hidden unless the matching render option is set
const (
	bannerSelector = ".notion-page-cover-wrapper, .layout-full > div > img"
	titleSelector  = ".notion-page-block > h1, h1.notion-page-block"
	tagsSelector   = ".properties, .notion-page-view-properties"
)

const codeBlockCSS = `.notion-code-block, .notion-code-block span {
	white-space: pre-wrap !important;
	font-family: 'Consolas', 'Monaco', 'Courier New', monospace !important;
}`

// overrideCSS returns the style sheet injected before export
func overrideCSS(opts types.RenderOptions) string {
	var b strings.Builder
	b.WriteString(codeBlockCSS)

	hide := func(selector string) {
		b.WriteString("\n")
		b.WriteString(selector)
		b.WriteString(" { display: none !important; }")
	}
	if !opts.IncludeBanner {
		hide(bannerSelector)
	}
	if !opts.IncludeTitle {
		hide(titleSelector)
	}
	if !opts.IncludeTags {
		hide(tagsSelector)
	}

	return b.String()
}

// injectStyleJS appends css as a <style> element; %q yields a valid JS string literal
func injectStyleJS(css string) string {
	return fmt.Sprintf(`(() => {
	const style = document.createElement('style');
	style.textContent = %q;
	document.head.appendChild(style);
	return true;
})()`, css)
}

// quiescenceJS resolves once no DOM mutation happened for quietMs,
// or after maxMs regardless. Resolves to true when the page went quiet.
func quiescenceJS(quietMs, maxMs int64) string {
	return fmt.Sprintf(`new Promise((resolve) => {
	let timer = null;
	let ceiling = null;
	let observer = null;
	const finish = (quiet) => {
		if (observer) observer.disconnect();
		clearTimeout(timer);
		clearTimeout(ceiling);
		resolve(quiet);
	};
	observer = new MutationObserver(() => {
		clearTimeout(timer);
		timer = setTimeout(() => finish(true), %[1]d);
	});
	observer.observe(document.documentElement, {childList: true, subtree: true, attributes: true, characterData: true});
	timer = setTimeout(() => finish(true), %[1]d);
	ceiling = setTimeout(() => finish(false), %[2]d);
})`, quietMs, maxMs)
}

// tocLinksJS points table-of-contents anchors at in-page fragments so
// they stay clickable inside the PDF. Returns the number of rewritten links.
const tocLinksJS = `(() => {
	let rewritten = 0;
	document.querySelectorAll('div.notion-selectable.notion-table_of_contents-block a').forEach((link) => {
		const href = link.getAttribute('href');
		if (href && href.includes('#')) {
			link.setAttribute('href', href.substring(href.indexOf('#')));
			link.removeAttribute('role');
			rewritten++;
		}
	});
	return rewritten;
})()`

// whitespaceJS keeps spaces, tabs and line breaks of rich text tokens from
// collapsing: spaces become NBSP, a tab becomes four NBSP and each newline
// starts a sibling span after a <br>. Returns the number of spans touched.
const whitespaceJS = `(() => {
	let touched = 0;
	document.querySelectorAll('span[data-token-index="0"]').forEach((span) => {
		let text = span.textContent;
		if (!/[ \t\n]/.test(text)) return;
		text = text.replace(/ /g, '\u00A0').replace(/\t/g, '\u00A0\u00A0\u00A0\u00A0');
		const lines = text.split('\n');
		span.textContent = lines[0];
		let current = span;
		for (const line of lines.slice(1)) {
			const br = document.createElement('br');
			current.after(br);
			const next = span.cloneNode(false);
			next.textContent = line;
			br.after(next);
			current = next;
		}
		touched++;
	});
	return touched;
})()`

// imagesJS disables lazy loading, scrolls through the page so deferred
// images start loading, returns to the top and waits until every image
// has loaded or errored, bounded by waitMs. Resolves to the number of
// images still pending when the wait ended.
func imagesJS(waitMs int64) string {
	return fmt.Sprintf(`(async () => {
	document.querySelectorAll('img[loading="lazy"]').forEach((img) => { img.loading = 'eager'; });
	await new Promise((resolve) => {
		let scrolled = 0;
		const timer = setInterval(() => {
			window.scrollBy(0, 100);
			scrolled += 100;
			if (scrolled >= document.body.scrollHeight) {
				clearInterval(timer);
				resolve();
			}
		}, 50);
	});
	window.scrollTo(0, 0);
	const pending = Array.from(document.images).filter((img) => !img.complete);
	await Promise.race([
		Promise.all(pending.map((img) => new Promise((resolve) => {
			img.addEventListener('load', resolve, {once: true});
			img.addEventListener('error', resolve, {once: true});
		}))),
		new Promise((resolve) => setTimeout(resolve, %d)),
	]);
	return Array.from(document.images).filter((img) => !img.complete).length;
})()`, waitMs)
}

// measureJS returns the rendered content height in CSS pixels
var measureJS = fmt.Sprintf(`(() => {
	const target = document.querySelector(%q);
	return target ? target.getBoundingClientRect().height : document.body.scrollHeight;
})()`, contentSelector)
