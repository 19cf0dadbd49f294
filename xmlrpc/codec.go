// Package xmlrpc implements the subset of XML-RPC spoken by the graph
// directory protocol: scalar types i4/boolean/string/double, arrays, and
// structs (used only by faults). Both a client and an HTTP handler are
// provided since a node is simultaneously a directory client (master calls)
// and a directory server (its own slave endpoint).
package xmlrpc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"

	"github.com/c360/rosgraph/errors"
)

// Fault is an XML-RPC fault response, returned as an error from Call.
type Fault struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.Message)
}

// wire-level document structures

type xValue struct {
	Raw     string   `xml:",chardata"`
	I4      *string  `xml:"i4"`
	Int     *string  `xml:"int"`
	Boolean *string  `xml:"boolean"`
	Str     *string  `xml:"string"`
	Double  *string  `xml:"double"`
	Array   *xArray  `xml:"array"`
	Struct  *xStruct `xml:"struct"`
}

type xArray struct {
	Values []xValue `xml:"data>value"`
}

type xStruct struct {
	Members []xMember `xml:"member"`
}

type xMember struct {
	Name  string `xml:"name"`
	Value xValue `xml:"value"`
}

type xParam struct {
	Value xValue `xml:"value"`
}

type xMethodCall struct {
	XMLName    xml.Name `xml:"methodCall"`
	MethodName string   `xml:"methodName"`
	Params     []xParam `xml:"params>param"`
}

type xMethodResponse struct {
	XMLName xml.Name `xml:"methodResponse"`
	Params  []xParam `xml:"params>param"`
	Fault   *xParam  `xml:"fault"`
}

// toValue converts a parsed wire value into its Go representation:
// int, bool, string, float64, []any, or map[string]any.
func (v xValue) toValue() (any, error) {
	switch {
	case v.I4 != nil:
		return parseInt(*v.I4)
	case v.Int != nil:
		return parseInt(*v.Int)
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		default:
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "xmlrpc", "toValue",
				fmt.Sprintf("bad boolean %q", *v.Boolean))
		}
	case v.Str != nil:
		return *v.Str, nil
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, errors.WrapInvalid(err, "xmlrpc", "toValue", "parse double")
		}
		return f, nil
	case v.Array != nil:
		out := make([]any, 0, len(v.Array.Values))
		for _, item := range v.Array.Values {
			converted, err := item.toValue()
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	case v.Struct != nil:
		out := make(map[string]any, len(v.Struct.Members))
		for _, member := range v.Struct.Members {
			converted, err := member.Value.toValue()
			if err != nil {
				return nil, err
			}
			out[member.Name] = converted
		}
		return out, nil
	default:
		// Untyped value content is a string.
		return v.Raw, nil
	}
}

func parseInt(s string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.WrapInvalid(err, "xmlrpc", "parseInt", "parse integer")
	}
	return n, nil
}

// writeValue encodes a Go value as an XML-RPC <value>.
func writeValue(buf *bytes.Buffer, v any) error {
	buf.WriteString("<value>")
	defer buf.WriteString("</value>")

	switch t := v.(type) {
	case nil:
		buf.WriteString("<string></string>")
		return nil
	case int:
		fmt.Fprintf(buf, "<i4>%d</i4>", t)
		return nil
	case int32:
		fmt.Fprintf(buf, "<i4>%d</i4>", t)
		return nil
	case int64:
		fmt.Fprintf(buf, "<i4>%d</i4>", t)
		return nil
	case bool:
		if t {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
		return nil
	case float64:
		fmt.Fprintf(buf, "<double>%g</double>", t)
		return nil
	case string:
		buf.WriteString("<string>")
		if err := xml.EscapeText(buf, []byte(t)); err != nil {
			return err
		}
		buf.WriteString("</string>")
		return nil
	case map[string]any:
		buf.WriteString("<struct>")
		for name, member := range t {
			buf.WriteString("<member><name>")
			if err := xml.EscapeText(buf, []byte(name)); err != nil {
				return err
			}
			buf.WriteString("</name>")
			if err := writeValue(buf, member); err != nil {
				return err
			}
			buf.WriteString("</member>")
		}
		buf.WriteString("</struct>")
		return nil
	}

	// Any slice type encodes as an array.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		buf.WriteString("<array><data>")
		for i := 0; i < rv.Len(); i++ {
			if err := writeValue(buf, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
		return nil
	}

	return errors.WrapInvalid(errors.ErrInvalidData, "xmlrpc", "writeValue",
		fmt.Sprintf("unsupported value type %T", v))
}

// EncodeRequest serializes a method call document.
func EncodeRequest(method string, params []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString("</methodName><params>")
	for _, p := range params {
		buf.WriteString("<param>")
		if err := writeValue(&buf, p); err != nil {
			return nil, err
		}
		buf.WriteString("</param>")
	}
	buf.WriteString("</params></methodCall>")
	return buf.Bytes(), nil
}

// DecodeRequest parses a method call document.
func DecodeRequest(r io.Reader) (method string, params []any, err error) {
	var call xMethodCall
	if err := xml.NewDecoder(r).Decode(&call); err != nil {
		return "", nil, errors.WrapInvalid(err, "xmlrpc", "DecodeRequest", "parse method call")
	}
	params = make([]any, 0, len(call.Params))
	for _, p := range call.Params {
		v, err := p.Value.toValue()
		if err != nil {
			return "", nil, err
		}
		params = append(params, v)
	}
	return call.MethodName, params, nil
}

// EncodeResponse serializes a single-value method response document.
func EncodeResponse(result any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><params><param>")
	if err := writeValue(&buf, result); err != nil {
		return nil, err
	}
	buf.WriteString("</param></params></methodResponse>")
	return buf.Bytes(), nil
}

// EncodeFault serializes a fault response document.
func EncodeFault(code int, message string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<methodResponse><fault>")
	err := writeValue(&buf, map[string]any{
		"faultCode":   code,
		"faultString": message,
	})
	if err != nil {
		return nil, err
	}
	buf.WriteString("</fault></methodResponse>")
	return buf.Bytes(), nil
}

// DecodeResponse parses a method response document and returns its single
// result value. Faults are returned as a *Fault error.
func DecodeResponse(r io.Reader) (any, error) {
	var resp xMethodResponse
	if err := xml.NewDecoder(r).Decode(&resp); err != nil {
		return nil, errors.WrapInvalid(err, "xmlrpc", "DecodeResponse", "parse method response")
	}

	if resp.Fault != nil {
		v, err := resp.Fault.Value.toValue()
		if err != nil {
			return nil, err
		}
		fault := &Fault{Code: -1, Message: "unknown fault"}
		if m, ok := v.(map[string]any); ok {
			if code, ok := m["faultCode"].(int); ok {
				fault.Code = code
			}
			if msg, ok := m["faultString"].(string); ok {
				fault.Message = msg
			}
		}
		return nil, fault
	}

	if len(resp.Params) != 1 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "xmlrpc", "DecodeResponse",
			fmt.Sprintf("expected 1 response param, got %d", len(resp.Params)))
	}

	return resp.Params[0].Value.toValue()
}
