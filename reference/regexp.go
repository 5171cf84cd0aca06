package reference

import "regexp"

const (
	// alphanumeric is the atom name components are built from. Only lower
	// case characters and digits are allowed.
	alphanumeric = `[a-z0-9]+`

	// separator joins alphanumeric runs inside one name component: a
	// single period, one or two underscores, or any number of dashes.
	// Repeated dashes stay legal so hostname-shaped components keep
	// working as name components.
	separator = `(?:[._]|__|[-]*)`

	// domainNameComponent is one dot-separated label of a registry
	// domain. Unlike name components, labels may be mixed case.
	domainNameComponent = `(?:[a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`

	// tag matches valid tag names, up to 128 characters.
	tag = `[\w][\w.-]{0,127}`

	// digestPat matches well-formed digests: an algorithm (possibly
	// multi-part, e.g. "sha256+b64") followed by at least 32 hex digits.
	digestPat = `[A-Za-z][A-Za-z0-9]*(?:[-_+.][A-Za-z][A-Za-z0-9]*)*[:][[:xdigit:]]{32,}`

	// identifier matches a bare sha256 hex identifier, a digest without
	// its algorithm prefix.
	identifier = `([a-f0-9]{64})`

	// ipv6address matches a bracketed IPv6 host in compressed or
	// uncompressed form. Zone identifiers and IPv4-mapped addresses are
	// deliberately excluded.
	ipv6address = `\[(?:[a-fA-F0-9:]+)\]`
)

var (
	// domainName is one or more dot-separated domain labels. Purposely a
	// subset of DNS for compatibility with image names; covers IPv4
	// addresses in decimal form too.
	domainName = domainNameComponent + optional(repeated(literal(`.`), domainNameComponent))

	// host is a domain name or a bracketed IPv6 address, per the URI Host
	// subcomponent of rfc3986.
	host = group(domainName + `|` + ipv6address)

	// domain is a host with an optional port. A single label without a
	// period counts as a domain only when it carries a port or is
	// "localhost", so the first component of a name such as
	// "library/ubuntu" stays part of the repository path.
	domain = group(
		host + literal(`:`) + `[0-9]+` + `|` +
			domainNameComponent + repeated(literal(`.`), domainNameComponent) + `|` +
			ipv6address + `|` +
			`localhost`)

	// DomainRegexp matches hostnames or IP addresses, optionally with a
	// port, as they may appear in front of an image name.
	DomainRegexp = regexp.MustCompile(domain)

	// TagRegexp matches valid tag names.
	TagRegexp = regexp.MustCompile(tag)

	// anchoredTagRegexp matches a whole string as a tag name.
	anchoredTagRegexp = regexp.MustCompile(anchored(tag))

	// DigestRegexp matches well-formed digests, including the algorithm.
	DigestRegexp = regexp.MustCompile(digestPat)

	// anchoredDigestRegexp matches a whole string as a digest.
	anchoredDigestRegexp = regexp.MustCompile(anchored(digestPat))

	// nameComponent is one path component of a repository name: an
	// alphanumeric run, optionally continued by separator-joined runs.
	nameComponent = alphanumeric + optional(repeated(separator, alphanumeric))

	// namePat is a name: an optional domain followed by slash-separated
	// name components.
	namePat = optional(domain, literal(`/`)) + nameComponent + optional(repeated(literal(`/`), nameComponent))

	// NameRegexp is the format of the name component of a reference, with
	// capturing groups for the domain and remainder.
	NameRegexp = regexp.MustCompile(namePat)

	// anchoredNameRegexp parses a whole string as a name, capturing the
	// domain and trailing components under named groups.
	anchoredNameRegexp = regexp.MustCompile(anchored(optional(namedCapture("domain", domain), literal(`/`)), namedCapture("repository", nameComponent+optional(repeated(literal(`/`), nameComponent)))))

	// ReferenceRegexp is the full supported reference format: name,
	// optional ":tag", optional "@digest", each under a named capturing
	// group (the name group nests domain/repository).
	ReferenceRegexp = regexp.MustCompile(anchored(
		namedCapture("name", optional(namedCapture("domain", domain), literal(`/`))+namedCapture("repository", nameComponent+optional(repeated(literal(`/`), nameComponent)))),
		optional(literal(":"), namedCapture("tag", tag)),
		optional(literal("@"), namedCapture("digest", digestPat))))

	// IdentifierRegexp matches a bare sha256 content identifier.
	IdentifierRegexp = regexp.MustCompile(identifier)

	// anchoredIdentifierRegexp matches a whole string as an identifier.
	anchoredIdentifierRegexp = regexp.MustCompile(anchored(identifier))
)

// literal escapes the regexp metacharacters in s.
func literal(s string) string {
	return regexp.QuoteMeta(s)
}

// group wraps the concatenation of res in a non-capturing group.
func group(res ...string) string {
	return `(?:` + concat(res...) + `)`
}

// optional makes the concatenation of res an optional production.
func optional(res ...string) string {
	return group(res...) + `?`
}

// repeated requires one or more matches of the concatenation of res.
func repeated(res ...string) string {
	return group(res...) + `+`
}

// capture wraps the concatenation of res in a capturing group.
func capture(res ...string) string {
	return `(` + concat(res...) + `)`
}

// namedCapture wraps the concatenation of res in a group captured as name.
func namedCapture(name string, res ...string) string {
	return `(?P<` + name + `>` + concat(res...) + `)`
}

// anchored anchors the concatenation of res to the whole string.
func anchored(res ...string) string {
	return `^` + concat(res...) + `$`
}

func concat(res ...string) string {
	var s string
	for _, re := range res {
		s += re
	}
	return s
}
