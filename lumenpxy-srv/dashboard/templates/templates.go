// Package templates holds the HTML pages served by the proxy and the admin
// API as templ components.
package templates

import (
	"context"
	"io"

	"github.com/a-h/templ"
)

const pageStyle = `
        body { font-family: Arial, sans-serif; margin: 40px; background-color: #f4f4f4; color: #333; }
        .container { background-color: #fff; padding: 20px; border-radius: 5px; }
        h1 { color: #333; }
        .error { color: #c9302c; }
        .error-code { font-weight: bold; color: #c9302c; }
`

// page renders the shared document frame around body.
func page(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>`+templ.EscapeString(title)+`</title>
    <style>`+pageStyle+`    </style>
</head>
<body>
    <div class="container">
`); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, `    </div>
</body>
</html>
`)
		return err
	})
}

// Info is the landing page of the proxy listener.
func Info(name, origin string) templ.Component {
	return page(name, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		n, o := templ.EscapeString(name), templ.EscapeString(origin)
		_, err := io.WriteString(w, `        <h1>`+n+` is running</h1>
        <p>Open a site through the proxy by appending its full URL to this address:</p>
        <pre>`+o+`/https://example.com/</pre>
        <p>Or configure `+o+` as the HTTP and HTTPS proxy of your browser.</p>
`)
		return err
	}))
}

// Login is the admin login form. errorMessage is shown above the form when
// not empty.
func Login(title, errorMessage string) templ.Component {
	return page(title, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `        <h1>`+templ.EscapeString(title)+`</h1>
`); err != nil {
			return err
		}
		if errorMessage != "" {
			if _, err := io.WriteString(w, `        <p class="error">`+templ.EscapeString(errorMessage)+`</p>
`); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `        <form method="POST" action="/login">
            <input name="username" placeholder="Username">
            <input name="password" type="password" placeholder="Password">
            <button type="submit">Login</button>
        </form>
`)
		return err
	}))
}

// BadGateway is the page sent with a 502 when the origin could not be
// reached.
func BadGateway(code, description string) templ.Component {
	const title = "502 Bad Gateway"
	return page(title, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `        <h1>`+title+`</h1>
        <p>The proxy could not get a response from the target server.</p>
        <p><span class="error-code">Error Code:</span> `+templ.EscapeString(code)+`</p>
        <p><span class="error-code">Description:</span> `+templ.EscapeString(description)+`</p>
`)
		return err
	}))
}
