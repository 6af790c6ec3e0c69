package jobs

import (
	"bytes"
	"fmt"
	"html/template"
)

const (
	verificationSubject = "Email Verification"
	resetSubject        = "Password Reset Request"
)

var verificationTmpl = template.Must(template.New("verification").Parse(`<html>
<body>
    <div style="font-family: Arial, sans-serif; margin: 20px;">
        <h2 style="color: #333;">Email Verification</h2>
        <p>Hi,</p>
        <p>Your email verification code for <strong>{{.Product}}</strong> is:</p>
        <div class="code" style="font-size: 24px; font-weight: bold; margin: 20px 0; padding: 10px; border: 2px dashed #4CAF50; display: inline-block;">{{.Code}}</div>
        <p>Thank you!</p>
        <hr>
        <p style="font-size: 12px; color: #888;">If you did not request this verification, please ignore this email.</p>
    </div>
</body>
</html>`))

var resetTmpl = template.Must(template.New("reset").Parse(`<html>
<body>
    <div style="font-family: Arial, sans-serif; margin: 20px;">
        <h2 style="color: #333;">Password Reset</h2>
        <p>To reset your password, visit the following link:</p>
        <p><a class="reset-link" href="{{.Link}}">{{.Link}}</a></p>
        <hr>
        <p style="font-size: 12px; color: #888;">If you did not request a password reset, please ignore this email.</p>
    </div>
</body>
</html>`))

type verificationData struct {
	Product string
	Code    string
}

type resetData struct {
	Link string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
