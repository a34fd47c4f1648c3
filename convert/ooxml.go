package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path"
)

// ooxmlPackage gives access to the parts of an Office Open XML zip.
type ooxmlPackage struct {
	files map[string]*zip.File
}

func openOOXML(data []byte) (*ooxmlPackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("not an Office Open XML package: %w", err)
	}
	pkg := &ooxmlPackage{files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		pkg.files[f.Name] = f
	}
	return pkg, nil
}

func (p *ooxmlPackage) read(name string) ([]byte, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("missing part %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

type relationships struct {
	Relationships []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// relationships resolves the relationship ids of part to package paths.
// A part without relationships yields an empty map.
func (p *ooxmlPackage) relationships(part string) map[string]string {
	relsPath := path.Join(path.Dir(part), "_rels", path.Base(part)+".rels")
	data, err := p.read(relsPath)
	if err != nil {
		return map[string]string{}
	}
	var rels relationships
	if err := xml.Unmarshal(data, &rels); err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(rels.Relationships))
	for _, r := range rels.Relationships {
		out[r.ID] = path.Join(path.Dir(part), r.Target)
	}
	return out
}

// mediaCollector gathers the images referenced from a document, once each.
type mediaCollector struct {
	pkg    *ooxmlPackage
	assets []Asset
	seen   map[string]bool
}

func newMediaCollector(pkg *ooxmlPackage) *mediaCollector {
	return &mediaCollector{pkg: pkg, seen: make(map[string]bool)}
}

// add loads the media part and returns its placeholder, or "" when the part
// cannot be read.
func (m *mediaCollector) add(partPath string) string {
	name := path.Base(partPath)
	if m.seen[name] {
		return Placeholder(name)
	}
	data, err := m.pkg.read(partPath)
	if err != nil {
		return ""
	}
	m.seen[name] = true
	m.assets = append(m.assets, Asset{Name: name, ContentType: ImageContentType(name), Data: data})
	return Placeholder(name)
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
