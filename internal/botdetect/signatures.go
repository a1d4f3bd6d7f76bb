package botdetect

// Signature is one denylist entry. Pattern is a case-insensitive regular
// expression; when NotFollowedBy is set, a match immediately followed by that
// text (case-insensitive) is ignored.
type Signature struct {
	Name          string
	Pattern       string
	NotFollowedBy string
}

// DefaultSignatures is the built-in denylist, evaluated in order.
var DefaultSignatures = []Signature{
	// generic
	{Name: "bot", Pattern: `bot`},
	{Name: "crawler", Pattern: `crawler`},
	{Name: "spider", Pattern: `spider`},
	{Name: "scraper", Pattern: `scraper`},

	// http clients and tooling
	{Name: "curl", Pattern: `curl`},
	{Name: "wget", Pattern: `wget`},
	{Name: "python", Pattern: `python`},
	{Name: "java", Pattern: `java`, NotFollowedBy: "script"},
	{Name: "go-http-client", Pattern: `go-http-client`},
	{Name: "apache-httpclient", Pattern: `apache-httpclient`},
	{Name: "okhttp", Pattern: `okhttp`},
	{Name: "axios", Pattern: `axios`},
	{Name: "node-fetch", Pattern: `node-fetch`},

	// search engines
	{Name: "googlebot", Pattern: `googlebot`},
	{Name: "bingbot", Pattern: `bingbot`},
	{Name: "slurp", Pattern: `slurp`},
	{Name: "duckduckbot", Pattern: `duckduckbot`},
	{Name: "baiduspider", Pattern: `baiduspider`},
	{Name: "yandexbot", Pattern: `yandexbot`},
	{Name: "sogou", Pattern: `sogou`},
	{Name: "exabot", Pattern: `exabot`},

	// link previews and archivers
	{Name: "facebookexternalhit", Pattern: `facebookexternalhit`},
	{Name: "facebot", Pattern: `facebot`},
	{Name: "ia_archiver", Pattern: `ia_archiver`},

	// seo crawlers
	{Name: "mj12bot", Pattern: `mj12bot`},
	{Name: "dotbot", Pattern: `dotbot`},
	{Name: "ahrefsbot", Pattern: `ahrefsbot`},
	{Name: "semrushbot", Pattern: `semrushbot`},
}
